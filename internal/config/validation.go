package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Warnings returns only warning-level issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.Warning {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.Warning {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ErrInvalidConfig is matched by errors.Is on any ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// Is lets errors.Is(err, ErrInvalidConfig) match.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// ValidateConfig returns the error-level issues in c, or nil.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every issue in c, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateAuth(&c.Auth)...)
	errs = append(errs, validateEndpoints(&c.Endpoints)...)
	errs = append(errs, validateObserve(&c.Observe)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateCredentials(&c.Credentials)...)
	return errs
}

func positive(field string, v int) ValidationErrors {
	if v < 1 {
		return ValidationErrors{{Field: field, Message: "must be at least 1"}}
	}
	return nil
}

func validateAuth(a *AuthConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, positive("auth.retry_delay_sec", a.RetryDelaySec)...)
	errs = append(errs, positive("auth.long_backoff_sec", a.LongBackoffSec)...)
	errs = append(errs, positive("auth.failure_threshold", a.FailureThreshold)...)
	errs = append(errs, positive("auth.request_timeout_sec", a.RequestTimeoutSec)...)
	errs = append(errs, positive("auth.refresh_reauth_min", a.RefreshReauthMin)...)
	errs = append(errs, positive("auth.legacy_reauth_hours", a.LegacyReauthHours)...)

	// Renewal must land before the server-side session lifetime.
	if a.RefreshReauthMin >= 60 {
		errs = append(errs, ValidationError{
			Field:   "auth.refresh_reauth_min",
			Message: "must be below the 60 minute session lifetime",
		})
	}
	if a.LegacyReauthHours >= 30*24 {
		errs = append(errs, ValidationError{
			Field:   "auth.legacy_reauth_hours",
			Message: "must be below the 30 day session lifetime",
		})
	}
	if a.RefreshToken != "" && a.LegacyToken != "" {
		errs = append(errs, ValidationError{
			Field:   "auth.legacy_token",
			Message: "ignored because refresh_token is set",
			Warning: true,
		})
	}
	return errs
}

func validateEndpoints(e *EndpointsConfig) ValidationErrors {
	var errs ValidationErrors
	for field, v := range map[string]string{
		"endpoints.token_url":   e.TokenURL,
		"endpoints.jwt_url":     e.JWTURL,
		"endpoints.session_url": e.SessionURL,
	} {
		if v != "" && !isValidURL(v) {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL: %s", v)})
		}
	}
	if e.ObserveURL != "" {
		u, err := url.Parse(e.ObserveURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "endpoints.observe_url",
				Message: "observe URL must be https",
			})
		}
	}
	return errs
}

func validateObserve(o *ObserveConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, positive("observe.idle_timeout_sec", o.IdleTimeoutSec)...)
	errs = append(errs, positive("observe.ping_interval_sec", o.PingIntervalSec)...)
	errs = append(errs, positive("observe.poll_interval_ms", o.PollIntervalMs)...)
	errs = append(errs, positive("observe.subscribe_delay_ms", o.SubscribeDelayMs)...)
	errs = append(errs, positive("observe.retry_delay_sec", o.RetryDelaySec)...)
	errs = append(errs, positive("observe.auth_retry_delay_sec", o.AuthRetryDelaySec)...)

	if o.PingIntervalSec >= o.IdleTimeoutSec && o.IdleTimeoutSec > 0 {
		errs = append(errs, ValidationError{
			Field:   "observe.ping_interval_sec",
			Message: "ping interval must be shorter than the idle timeout",
		})
	}
	if o.MaxFrameBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "observe.max_frame_bytes",
			Message: "must be at least 1024",
		})
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	return positive("session.pending_ttl_sec", s.PendingTTLSec)
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "required field is missing"})
	}
	if s.KeepSnapshots < 1 {
		errs = append(errs, ValidationError{Field: "storage.keep_snapshots", Message: "must keep at least 1 snapshot"})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "verbose", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output writes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{Field: "metrics.listen", Message: fmt.Sprintf("invalid listen address: %v", err)}}
	}
	return nil
}

func validateCredentials(c *CredentialsConfig) ValidationErrors {
	if len(c.Paths) == 0 {
		return ValidationErrors{{
			Field:   "credentials.paths",
			Message: "no search paths; tokens must come from [auth] or the environment",
			Warning: true,
		}}
	}
	return nil
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
