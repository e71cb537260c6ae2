package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard asks for the handful of settings a first run needs.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run starts from DefaultConfig and overlays the answers.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Parley Configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for {
		name, err := w.ask("Provider (anthropic/openai)", cfg.Provider.Name)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.Name = name
		break
	}

	if cfg.Provider.Name == "openai" {
		cfg.Provider.Model = "gpt-4o"
		cfg.Agents.DefaultModel = "gpt-4o"
	}

	for {
		key, err := w.ask("API key (Enter to use environment)", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.Provider.Name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.APIKey = key
		break
	}

	model, err := w.ask("Default model", cfg.Agents.DefaultModel)
	if err != nil {
		return nil, err
	}
	cfg.Agents.DefaultModel = model
	cfg.Provider.Model = model

	for {
		name, err := w.ask("Coordinator name", cfg.Chat.CoordinatorName)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAgentName(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Chat.CoordinatorName = name
		break
	}

	fallback, err := w.ask("Coordinator tmux target", cfg.Notifier.FallbackSession)
	if err != nil {
		return nil, err
	}
	cfg.Notifier.FallbackSession = fallback

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
