package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// RelaysConfig represents the JSON configuration for relay lists
type RelaysConfig struct {
	// ProfileRelays are asked for kind 0 profiles at login
	ProfileRelays []string `json:"profileRelays"`
	// RelayListRelays are indexers asked for NIP-65 relay lists
	RelayListRelays []string `json:"relayListRelays"`
	// DefaultRelays are used when a user publishes no write relays
	DefaultRelays []string `json:"defaultRelays"`
}

var (
	relaysConfig     *RelaysConfig
	relaysConfigMu   sync.RWMutex
	relaysConfigOnce sync.Once
)

// GetRelaysConfig returns the current relays configuration (thread-safe)
func GetRelaysConfig() *RelaysConfig {
	relaysConfigOnce.Do(func() {
		relaysConfigMu.Lock()
		defer relaysConfigMu.Unlock()
		if relaysConfig == nil {
			relaysConfig = LoadRelaysConfig(relaysConfigPath())
		}
	})

	relaysConfigMu.RLock()
	defer relaysConfigMu.RUnlock()
	return relaysConfig
}

// ReloadRelaysConfig reloads the configuration from file
func ReloadRelaysConfig() {
	newConfig := LoadRelaysConfig(relaysConfigPath())
	relaysConfigMu.Lock()
	defer relaysConfigMu.Unlock()
	relaysConfig = newConfig
	slog.Info("relays configuration reloaded")
}

func relaysConfigPath() string {
	if configPath := os.Getenv("RELAYS_CONFIG"); configPath != "" {
		return configPath
	}
	return "config/relays.json"
}

// LoadRelaysConfig reads configPath. Missing or invalid files fall back to the
// defaults, and so does every list the file leaves empty.
func LoadRelaysConfig(configPath string) *RelaysConfig {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read config, using defaults", "path", configPath, "error", err)
		}
		return DefaultRelaysConfig()
	}

	var config RelaysConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", configPath, "error", err)
		return DefaultRelaysConfig()
	}

	defaults := DefaultRelaysConfig()
	if len(config.ProfileRelays) == 0 {
		config.ProfileRelays = defaults.ProfileRelays
	}
	if len(config.RelayListRelays) == 0 {
		config.RelayListRelays = defaults.RelayListRelays
	}
	if len(config.DefaultRelays) == 0 {
		config.DefaultRelays = defaults.DefaultRelays
	}

	slog.Info("loaded relays configuration",
		"path", configPath,
		"profile", len(config.ProfileRelays),
		"relaylist", len(config.RelayListRelays),
		"default", len(config.DefaultRelays))
	return &config
}

// DefaultRelaysConfig returns the embedded default configuration
func DefaultRelaysConfig() *RelaysConfig {
	return &RelaysConfig{
		ProfileRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.primal.net",
			"wss://purplepag.es",
		},
		RelayListRelays: []string{
			"wss://purplepag.es",
			"wss://relay.nostr.band",
			"wss://relay.damus.io",
		},
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.primal.net",
		},
	}
}
