package app

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Issuer    string // Required: issuer claim for minted access tokens
	APISecret string // Required: HMAC secret for the admin/enrollment API

	DatabaseFile  string // Optional: path to SQLite database file (default: ./mfad.db)
	MasterKeyPath string // Optional: path to the secret-vault master key file (default: ./master.key)
	PepperFile    string // Optional: path to file containing pepper for PIN hashing (default: ./pepper)
	PolicyFile    string // Optional: path to a JSON policy file ("scope.action" -> value)

	RPID          string   // WebAuthn relying party id (default: localhost)
	RPDisplayName string   // WebAuthn relying party display name (default: mfad)
	RPOrigins     []string // WebAuthn allowed origins (default: https://<RPID>)

	RemoteURL    string // Optional: validation server the remote variant forwards to
	YubicoURL    string // Optional: Yubico validation server URL
	YubicoAPIID  string // Optional: Yubico API id
	YubicoAPIKey string // Optional: Yubico API key, base64

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	AccessTokenTTL       time.Duration // Lifetime of minted access tokens (default: 1h)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Challenge sweep interval (default: 1m)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:    getEnvOrDefault("MFAD_ISSUER", "mfad"),
		APISecret: os.Getenv("MFAD_API_SECRET"),

		DatabaseFile:  getEnvOrDefault("MFAD_DATABASE_FILE", "mfad.db"),
		MasterKeyPath: getEnvOrDefault("MFAD_MASTER_KEY_PATH", "master.key"),
		PepperFile:    getEnvOrDefault("MFAD_PEPPER_FILE", "pepper"),
		PolicyFile:    os.Getenv("MFAD_POLICY_FILE"),

		RPID:          getEnvOrDefault("MFAD_RP_ID", "localhost"),
		RPDisplayName: getEnvOrDefault("MFAD_RP_DISPLAY_NAME", "mfad"),

		RemoteURL:    os.Getenv("MFAD_REMOTE_URL"),
		YubicoURL:    os.Getenv("MFAD_YUBICO_URL"),
		YubicoAPIID:  os.Getenv("MFAD_YUBICO_API_ID"),
		YubicoAPIKey: os.Getenv("MFAD_YUBICO_API_KEY"),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		AccessTokenTTL:       getEnvDurationOrDefault("MFAD_ACCESS_TOKEN_TTL", time.Hour),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", time.Minute),
	}

	if origins := os.Getenv("MFAD_RP_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.RPOrigins = append(cfg.RPOrigins, o)
			}
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"https://" + cfg.RPID}
	}

	return cfg
}

// LoadPolicy reads the optional policy file. A missing path yields an
// empty policy so every action falls back to its built-in default.
func LoadPolicy(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policy map[string]string
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// integer seconds for bare numbers
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
