package main

import (
	"errors"
	"fmt"
	"time"

	"nestobserve/internal/auth"
	"nestobserve/internal/config"
	"nestobserve/internal/credentials"
	"nestobserve/internal/logging"
	"nestobserve/internal/observe"
	"nestobserve/internal/session"
)

var errNoToken = errors.New("no refresh or legacy token configured")

// authConfig builds the authenticator settings. Tokens from the
// credentials file take precedence over the configuration file and the
// environment.
func authConfig(cfg *config.Config, file *credentials.File) (auth.Config, error) {
	a := cfg.Auth
	out := auth.Config{
		RefreshToken: a.RefreshToken,
		LegacyToken:  a.LegacyToken,
		APIKey:       a.APIKey,
		FieldTest:    a.FieldTest,

		TokenURL:   cfg.Endpoints.TokenURL,
		JWTURL:     cfg.Endpoints.JWTURL,
		SessionURL: cfg.Endpoints.SessionURL,
		UserAgent:  cfg.Endpoints.UserAgent,

		RetryDelay:       config.Seconds(a.RetryDelaySec),
		LongBackoff:      config.Seconds(a.LongBackoffSec),
		FailureThreshold: a.FailureThreshold,
		RequestTimeout:   config.Seconds(a.RequestTimeoutSec),
		RefreshReauth:    time.Duration(a.RefreshReauthMin) * time.Minute,
		LegacyReauth:     time.Duration(a.LegacyReauthHours) * time.Hour,
	}
	if file != nil {
		out.RefreshToken = file.RefreshToken
		out.LegacyToken = file.LegacyToken
		if file.APIKey != "" {
			out.APIKey = file.APIKey
		}
		out.FieldTest = out.FieldTest || file.FieldTest
	}
	if out.RefreshToken == "" && out.LegacyToken == "" {
		return auth.Config{}, errNoToken
	}
	return out, nil
}

func observeConfig(cfg *config.Config) observe.Config {
	o := cfg.Observe
	return observe.Config{
		IdleTimeout:    config.Seconds(o.IdleTimeoutSec),
		PingInterval:   config.Seconds(o.PingIntervalSec),
		PollInterval:   config.Millis(o.PollIntervalMs),
		SubscribeDelay: config.Millis(o.SubscribeDelayMs),
		RetryDelay:     config.Seconds(o.RetryDelaySec),
		AuthRetryDelay: config.Seconds(o.AuthRetryDelaySec),
		MaxFrameSize:   o.MaxFrameBytes,
	}
}

// observeURL picks the observe endpoint: an explicit URL, else the
// field-test or production default.
func observeURL(cfg *config.Config, fieldTest bool) string {
	switch {
	case cfg.Endpoints.ObserveURL != "":
		return cfg.Endpoints.ObserveURL
	case fieldTest:
		return observe.DefaultFieldTestURL
	default:
		return observe.DefaultURL
	}
}

func pendingTTL(cfg *config.Config) time.Duration {
	if cfg.Session.PendingTTLSec <= 0 {
		return session.DefaultPendingTTL
	}
	return config.Seconds(cfg.Session.PendingTTLSec)
}

// loggingConfig maps the [logging] section and the command-line
// overrides onto the logger settings.
func loggingConfig(cfg *config.Config, g *globalFlags) (*logging.Config, error) {
	lc := cfg.Logging
	levelName := lc.Level
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	if g.verbose {
		levelName = "debug"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	out := logging.DefaultConfig()
	// Every package tags its own records.
	out.Component = ""
	out.Level = level
	out.Format = format
	out.Output = lc.Output
	out.MaxBackups = lc.MaxBackups
	out.Compress = lc.Compress
	if lc.FilePath != "" {
		out.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		out.MaxSize = int64(lc.MaxSizeMB)
	}
	return out, nil
}

// loadConfig reads the configuration through a Loader so the caller
// can keep watching it.
func loadConfig(g *globalFlags) (*config.Loader, *config.Config, error) {
	path := g.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return loader, cfg, nil
}
