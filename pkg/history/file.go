package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".json"

// ErrInvalidAgentName is returned for names that cannot be used as a file name.
var ErrInvalidAgentName = errors.New("invalid agent name")

// File is the durable form of one named agent's conversation.
type File struct {
	AgentName              string    `json:"agentName"`
	ProviderConversationID string    `json:"providerConversationId,omitempty"`
	Messages               []Message `json:"messages"`
}

// Entry is a history file found by Scan.
type Entry struct {
	AgentName string
	Path      string
}

// ValidateAgentName rejects names that would escape the history directory.
func ValidateAgentName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidAgentName)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: name cannot contain '..'", ErrInvalidAgentName)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: name cannot contain path separators", ErrInvalidAgentName)
	case strings.Contains(name, "\x00"):
		return fmt.Errorf("%w: name cannot contain null bytes", ErrInvalidAgentName)
	}
	return nil
}

// PathFor returns the history file for an agent inside dir.
func PathFor(dir, agentName string) (string, error) {
	if err := ValidateAgentName(agentName); err != nil {
		return "", err
	}
	return filepath.Join(dir, agentName+fileExt), nil
}

// Save rewrites the whole file through a temp file and rename so readers
// never observe a partial write.
func Save(path string, f File) error {
	if f.Messages == nil {
		f.Messages = []Message{}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	return nil
}

// Load reads a history file.
func Load(path string) (File, error) {
	var f File

	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse history file %s: %w", path, err)
	}
	return f, nil
}

// Scan lists every history file in dir, sorted by agent name. A missing
// directory yields no entries.
func Scan(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		if ValidateAgentName(name) != nil {
			continue
		}
		out = append(out, Entry{AgentName: name, Path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, nil
}
