package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
)

// ClientConfig represents the client.json configuration for NIP-89 client identification
type ClientConfig struct {
	Enabled   bool   `json:"enabled"`
	Name      string `json:"name"`
	Pubkey    string `json:"pubkey"`    // Hex pubkey for the client
	Dtag      string `json:"dtag"`      // d-tag value for 31990 event
	RelayHint string `json:"relayHint"` // Optional relay hint
	TagKinds  []int  `json:"tagKinds"`  // Which kinds get the client tag
}

var (
	clientConfig     *ClientConfig
	clientConfigMu   sync.RWMutex
	clientConfigOnce sync.Once
)

// GetClientConfig returns the current client configuration (thread-safe)
func GetClientConfig() *ClientConfig {
	clientConfigOnce.Do(func() {
		clientConfigMu.Lock()
		defer clientConfigMu.Unlock()
		if clientConfig == nil {
			configPath := os.Getenv("CLIENT_CONFIG")
			if configPath == "" {
				configPath = "config/client.json"
			}
			clientConfig = LoadClientConfig(configPath)
		}
	})

	clientConfigMu.RLock()
	defer clientConfigMu.RUnlock()
	return clientConfig
}

// LoadClientConfig reads configPath, falling back to a disabled config
func LoadClientConfig(configPath string) *ClientConfig {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("client config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read client config, using defaults", "path", configPath, "error", err)
		}
		return DefaultClientConfig()
	}

	var config ClientConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Error("invalid JSON in client config, using defaults", "path", configPath, "error", err)
		return DefaultClientConfig()
	}

	if config.Enabled {
		if config.Pubkey == "" {
			slog.Warn("client identification enabled but pubkey not configured")
		} else {
			slog.Info("loaded client configuration", "name", config.Name, "tag_kinds", config.TagKinds)
		}
	} else {
		slog.Debug("client identification disabled")
	}
	return &config
}

// DefaultClientConfig returns the embedded default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Enabled:  false,
		Name:     "nostr-account",
		Dtag:     "nostr-account",
		TagKinds: []int{1},
	}
}

// ShouldTagKind returns true if the given kind should have a client tag added
func (c *ClientConfig) ShouldTagKind(kind int) bool {
	if c == nil || !c.Enabled || c.Pubkey == "" {
		return false
	}
	return slices.Contains(c.TagKinds, kind)
}

// ClientTag returns the client tag to add to events, or nil if disabled
// Format: ["client", "<name>", "31990:<pubkey>:<dtag>", "<relay-hint>"]
func (c *ClientConfig) ClientTag() []string {
	if c == nil || !c.Enabled || c.Pubkey == "" {
		return nil
	}

	reference := fmt.Sprintf("31990:%s:%s", c.Pubkey, c.Dtag)
	if c.RelayHint != "" {
		return []string{"client", c.Name, reference, c.RelayHint}
	}
	return []string{"client", c.Name, reference}
}
