package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentions(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"no mentions here", nil},
		{"@Neo start", []string{"Neo"}},
		{"hey @neo and @Trinity, also @NEO", []string{"neo", "Trinity"}},
		{"(@build-bot) done.", []string{"build-bot"}},
		{"user@example.com", nil},
		{"@@double", nil},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, Mentions(tt.content))
		})
	}
}

func TestMentioned(t *testing.T) {
	assert.True(t, Mentioned("ping @Coordinator.", "coordinator"))
	assert.False(t, Mentioned("ping @coordinators", "coordinator"))
	assert.False(t, Mentioned("coordinator", "coordinator"))
}
