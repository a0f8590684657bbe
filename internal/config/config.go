// Package config loads settings for the collaboration client and the relay.
// Priority: environment variables > YAML file > defaults.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/collab/internal/logger"
	"gopkg.in/yaml.v3"
)

// IceServer describes one STUN/TURN server (shape compatible with RTCIceServer).
type IceServer struct {
	URLs           []string `yaml:"urls" json:"urls"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential     string   `yaml:"credential,omitempty" json:"credential,omitempty"`
	CredentialType string   `yaml:"credential_type,omitempty" json:"credential_type,omitempty"`
}

// Config holds the client and relay settings.
type Config struct {
	// Channel connection (client side)
	ChannelURL       string        `yaml:"channel_url"`
	ReconnectDelay   time.Duration `yaml:"-"`
	ChannelPongSecs  int           `yaml:"channel_pong_seconds"`
	ChannelWriteSecs int           `yaml:"channel_write_seconds"`

	// External REST collaborators (contacts, history, read state)
	DirectoryURL string `yaml:"directory_url"`

	// WebRTC
	ICEServers []IceServer `yaml:"ice_servers"`

	// Relay service
	RelayAddr          string `yaml:"relay_addr"`
	RedisURL           string `yaml:"-"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Web push for offline recipients (relay). Empty private key disables push.
	VAPIDKeysFile string `yaml:"vapid_keys_file"`

	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file (CONFIG_PATH, falling back to config/collab.yaml)
// and applies environment overrides on top of the defaults.
func Load() *Config {
	cfg := &Config{
		ChannelURL:         "ws://localhost:8090/collab/ws",
		ChannelPongSecs:    60,
		ChannelWriteSecs:   10,
		DirectoryURL:       "http://localhost:8090",
		RelayAddr:          ":8090",
		VAPIDKeysFile:      "config/vapid.json",
		CORSAllowedOrigins: "*",
		LogLevel:           "info",
	}
	reconnectSecs := 5

	paths := []string{os.Getenv("CONFIG_PATH"), "config/collab.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var yc struct {
			Config           `yaml:",inline"`
			ReconnectSeconds int `yaml:"channel_reconnect_seconds"`
		}
		yc.Config = *cfg
		yc.ReconnectSeconds = reconnectSecs
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			*cfg = yc.Config
			reconnectSecs = yc.ReconnectSeconds
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg.ChannelURL = envStr("CHANNEL_URL", cfg.ChannelURL)
	cfg.DirectoryURL = envStr("DIRECTORY_URL", cfg.DirectoryURL)
	cfg.RelayAddr = envStr("RELAY_ADDR", cfg.RelayAddr)
	cfg.RedisURL = envStr("REDIS_URL", "")
	cfg.VAPIDKeysFile = envStr("VAPID_KEYS_FILE", cfg.VAPIDKeysFile)
	cfg.CORSAllowedOrigins = envStr("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.ChannelPongSecs = envInt("CHANNEL_PONG_SECONDS", cfg.ChannelPongSecs)
	cfg.ChannelWriteSecs = envInt("CHANNEL_WRITE_SECONDS", cfg.ChannelWriteSecs)

	reconnectSecs = envInt("CHANNEL_RECONNECT_SECONDS", reconnectSecs)
	if reconnectSecs <= 0 {
		reconnectSecs = 5
	}
	cfg.ReconnectDelay = time.Duration(reconnectSecs) * time.Second

	if raw := os.Getenv("CALL_ICE_SERVERS"); raw != "" {
		var parsed []IceServer
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			logger.Errorf("config: invalid CALL_ICE_SERVERS json: %v", err)
		} else {
			cfg.ICEServers = parsed
		}
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []IceServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg
}

// envStr returns the environment value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
