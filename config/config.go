// Package config loads daemon configuration from the environment.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	AppName     = "deskd"
	EnvFileName = "config.env"
)

const (
	defaultAPIBaseURL   = "https://api.projectdesk.io/api"
	defaultLoginBaseURL = "https://login.projectdesk.io"
	defaultRealtimeURL  = "wss://realtime.projectdesk.io/socket"
	defaultDBPath       = "deskd.db"
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config is the daemon configuration.
type Config struct {
	APIBaseURL   string
	LoginBaseURL string
	RealtimeURL  string
	ClientID     string
	DBPath       string
	TokenKey     string
}

// FromEnv reads the configuration from environment variables, applying
// defaults for the optional ones.
func FromEnv() Config {
	return Config{
		APIBaseURL:   envOr("DESK_API_BASE_URL", defaultAPIBaseURL),
		LoginBaseURL: envOr("DESK_LOGIN_BASE_URL", defaultLoginBaseURL),
		RealtimeURL:  envOr("DESK_REALTIME_URL", defaultRealtimeURL),
		ClientID:     os.Getenv("DESK_CLIENT_ID"),
		DBPath:       envOr("DESK_DB_PATH", defaultDBPath),
		TokenKey:     os.Getenv("DESK_TOKEN_KEY"),
	}
}

// Missing returns the names of required variables that are not set.
func (c Config) Missing() []string {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "DESK_CLIENT_ID")
	}
	if c.TokenKey == "" {
		missing = append(missing, "DESK_TOKEN_KEY")
	}
	return missing
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
