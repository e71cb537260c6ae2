package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every section and joins the failures.
func (v *Validator) Validate(cfg *Config) error {
	var errs []error

	if err := v.ValidateProvider(cfg.Provider.Name); err != nil {
		errs = append(errs, err)
	}
	if cfg.Provider.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Provider.MaxTokens); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Provider.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", cfg.Provider.MaxRetries))
	}
	if err := v.ValidateAgentName(cfg.Chat.CoordinatorName); err != nil {
		errs = append(errs, fmt.Errorf("coordinator name: %w", err))
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errs = append(errs, err)
	}
	if cfg.Notifier.SubmitDelayMs < 0 {
		errs = append(errs, fmt.Errorf("submit delay cannot be negative, got %d", cfg.Notifier.SubmitDelayMs))
	}
	if cfg.Watchdog.Enabled {
		if err := v.ValidateSchedule(cfg.Watchdog.Schedule); err != nil {
			errs = append(errs, err)
		}
		if cfg.Watchdog.StallAfterSeconds <= 0 {
			errs = append(errs, fmt.Errorf("stall_after_seconds must be positive, got %d", cfg.Watchdog.StallAfterSeconds))
		}
	}
	if cfg.Logging.Level != "" {
		if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(name string) error {
	switch name {
	case "anthropic", "openai":
		return nil
	case "":
		return fmt.Errorf("provider name cannot be empty")
	}
	return fmt.Errorf("invalid provider %s (must be: anthropic, openai)", name)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateAgentName checks the characters allowed in agent and coordinator
// names. Names end up in file names and tmux targets.
func (v *Validator) ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid agent name %q (letters, digits, '-' and '_' only)", name)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidatePort validates port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule checks a cron expression or @every descriptor.
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("watchdog schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
