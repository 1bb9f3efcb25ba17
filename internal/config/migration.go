package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult describes an in-memory upgrade of a loaded config.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg to the current version, backing up the file
// at configPath first. It returns nil when nothing needed doing.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		switch cfg.Version {
		case 0:
			cfg.Version = 1
			result.Changes = append(result.Changes, "added version field")
		default:
			return result, fmt.Errorf("no migration from v%d", cfg.Version)
		}
	}
	return result, nil
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	backup := fmt.Sprintf("%s.bak-%s", configPath, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		return "", err
	}
	return backup, nil
}

// LegacyPluginConfig is the platform block of a homebridge-style JSON
// configuration.
type LegacyPluginConfig struct {
	RefreshToken            string `json:"refreshToken"`
	AccessToken             string `json:"access_token"`
	FieldTest               bool   `json:"fieldTest"`
	ExitOnDeviceListChanged bool   `json:"exitOnDeviceListChanged"`
	GoogleAuth              *struct {
		APIKey string `json:"apiKey"`
	} `json:"googleAuth"`
}

// MigrateLegacyConfig converts a plugin-style JSON config into a Config.
// Unrecognized keys are reported as warnings.
func MigrateLegacyConfig(data []byte) (*Config, []string, error) {
	var legacy LegacyPluginConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, nil, fmt.Errorf("decode legacy config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode legacy config: %w", err)
	}

	known := map[string]bool{
		"refreshToken": true, "access_token": true, "fieldTest": true,
		"exitOnDeviceListChanged": true, "googleAuth": true, "platform": true, "name": true,
	}
	var warnings []string
	for key := range raw {
		if !known[key] {
			warnings = append(warnings, fmt.Sprintf("ignored legacy key %q", key))
		}
	}

	cfg := DefaultConfig()
	cfg.Auth.RefreshToken = legacy.RefreshToken
	cfg.Auth.LegacyToken = legacy.AccessToken
	cfg.Auth.FieldTest = legacy.FieldTest
	cfg.Session.ExitOnDeviceListChanged = legacy.ExitOnDeviceListChanged
	if legacy.GoogleAuth != nil {
		cfg.Auth.APIKey = legacy.GoogleAuth.APIKey
	}
	if cfg.Auth.RefreshToken == "" && cfg.Auth.LegacyToken == "" {
		warnings = append(warnings, "legacy config has no refreshToken or access_token")
	}
	return cfg, warnings, nil
}

// SaveConfig writes cfg to path in the format its extension names.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# nestobserve configuration\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
