package models

import (
	"os"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// Config holds the engine configuration. All values come from
// environment variables to keep deployment configuration external to
// the binary.
type Config struct {
	DBPath         string               // Database file (SYNCML_DB_PATH)
	Port           int                  // HTTP listen port (SYNCML_PORT)
	DevID          string               // Local device ID override (SYNCML_DEV_ID)
	ServerURL      string               // Remote server to sync against (SYNCML_SERVER_URL)
	Username       string               // Credentials presented to the server (SYNCML_USERNAME)
	Password       string               // (SYNCML_PASSWORD)
	ConflictPolicy state.ConflictPolicy // Default policy (SYNCML_CONFLICT_POLICY)
	SessionTTL     time.Duration        // Server-side session expiry (SYNCML_SESSION_TTL)
	SyncInterval   time.Duration        // Background client sync period (SYNCML_SYNC_INTERVAL)
	JWTSecret      string               // Admin API token signing key (SYNCML_JWT_SECRET)
}

const (
	defaultDBPath     = "./data/syncml.ddb"
	defaultPort       = 8299
	defaultSessionTTL = 10 * time.Minute
	// 5 minutes balances freshness with network overhead for a typical
	// single-user sync setup.
	defaultSyncInterval = 5 * time.Minute
)

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:         defaultDBPath,
		Port:           defaultPort,
		ConflictPolicy: state.PolicyError,
		SessionTTL:     defaultSessionTTL,
		SyncInterval:   defaultSyncInterval,
	}

	if path := os.Getenv("SYNCML_DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	if portStr := os.Getenv("SYNCML_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid SYNCML_PORT value, expected an integer")
		}
		cfg.Port = port
	}

	cfg.DevID = os.Getenv("SYNCML_DEV_ID")
	cfg.ServerURL = os.Getenv("SYNCML_SERVER_URL")
	cfg.Username = os.Getenv("SYNCML_USERNAME")
	cfg.Password = os.Getenv("SYNCML_PASSWORD")
	cfg.JWTSecret = os.Getenv("SYNCML_JWT_SECRET")

	if policyStr := os.Getenv("SYNCML_CONFLICT_POLICY"); policyStr != "" {
		policy, ok := state.ParseConflictPolicy(policyStr)
		if !ok {
			return nil, serr.New("invalid SYNCML_CONFLICT_POLICY value", "value", policyStr)
		}
		cfg.ConflictPolicy = policy
	}

	if ttlStr := os.Getenv("SYNCML_SESSION_TTL"); ttlStr != "" {
		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid SYNCML_SESSION_TTL value, expected duration like '10m'")
		}
		cfg.SessionTTL = ttl
	}

	if intervalStr := os.Getenv("SYNCML_SYNC_INTERVAL"); intervalStr != "" {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid SYNCML_SYNC_INTERVAL value, expected duration like '5m' or '30s'")
		}
		cfg.SyncInterval = interval
	}

	return cfg, nil
}

// ClientSyncEnabled reports whether the background client loop should run
func (c *Config) ClientSyncEnabled() bool {
	return c.ServerURL != ""
}

// Validate checks required fields, failing fast on misconfiguration
// rather than discovering missing credentials mid-session.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return serr.New("SYNCML_PORT must be between 1 and 65535")
	}
	if c.SessionTTL < time.Minute {
		return serr.New("SYNCML_SESSION_TTL must be at least 1m")
	}

	if !c.ClientSyncEnabled() {
		return nil
	}

	if c.Username == "" {
		return serr.New("SYNCML_USERNAME is required when SYNCML_SERVER_URL is set")
	}
	if c.Password == "" {
		return serr.New("SYNCML_PASSWORD is required when SYNCML_SERVER_URL is set")
	}
	if c.SyncInterval < 10*time.Second {
		return serr.New("SYNCML_SYNC_INTERVAL must be at least 10s to avoid overwhelming the server")
	}

	return nil
}
