// Package notifier wakes the external coordinator when chat traffic is
// addressed to it. Activation is one external call behind Activator.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrActivationFailed wraps every failure of an external activation call.
var ErrActivationFailed = errors.New("activation failed")

const (
	defaultCommand     = "tmux"
	defaultSubmitDelay = 500 * time.Millisecond
	defaultCallTimeout = 10 * time.Second
)

// Activator delivers a command line to the session identified by sessionRef.
type Activator interface {
	Notify(ctx context.Context, sessionRef, command string) error
}

// Runner executes one external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// TmuxActivator types the command into a tmux pane and submits it.
type TmuxActivator struct {
	Command     string        // tmux binary, default "tmux"
	SubmitDelay time.Duration // pause between typing and Enter, default 500ms
	Timeout     time.Duration // per call
	Run         Runner        // nil runs the real binary
}

// NewTmuxActivator returns an activator with defaults applied.
func NewTmuxActivator(command string, submitDelay time.Duration) *TmuxActivator {
	return &TmuxActivator{Command: command, SubmitDelay: submitDelay}
}

func (a *TmuxActivator) Notify(ctx context.Context, sessionRef, command string) error {
	if strings.TrimSpace(sessionRef) == "" {
		return fmt.Errorf("%w: empty session reference", ErrActivationFailed)
	}

	bin := a.Command
	if bin == "" {
		bin = defaultCommand
	}
	run := a.Run
	if run == nil {
		run = execRunner
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	delay := a.SubmitDelay
	if delay <= 0 {
		delay = defaultSubmitDelay
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -l sends the text literally so key names inside it are not interpreted.
	if out, err := run(callCtx, bin, "send-keys", "-t", sessionRef, "-l", command); err != nil {
		return fmt.Errorf("%w: send-keys to %s: %v: %s", ErrActivationFailed, sessionRef, err, strings.TrimSpace(string(out)))
	}

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-callCtx.Done():
		timer.Stop()
		return fmt.Errorf("%w: %v", ErrActivationFailed, callCtx.Err())
	}

	if out, err := run(callCtx, bin, "send-keys", "-t", sessionRef, "Enter"); err != nil {
		return fmt.Errorf("%w: submit to %s: %v: %s", ErrActivationFailed, sessionRef, err, strings.TrimSpace(string(out)))
	}
	return nil
}
