package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// bot credentials and guild binding; never log the token
	BotToken       string
	GuildID        string
	FallbackRoleID string

	EventWorkerCount int

	AdminSecretKey string
	CORSOrigins    []string
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:            os.Getenv("DB_DSN"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:         getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		BotToken:         os.Getenv("BOT_TOKEN"),
		GuildID:          os.Getenv("GUILD_ID"),
		FallbackRoleID:   os.Getenv("FALLBACK_ROLE_ID"),
		EventWorkerCount: getenvInt("EVENT_WORKER_COUNT", 8),
		AdminSecretKey:   getenvDefault("ADMIN_SECRET_KEY", ""),
	}

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

// LoadWorker validates the extra settings the gateway worker needs.
func LoadWorker() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	if cfg.BotToken == "" {
		return Config{}, errors.New("missing BOT_TOKEN")
	}
	if cfg.GuildID == "" {
		return Config{}, errors.New("missing GUILD_ID")
	}
	if cfg.FallbackRoleID == "" {
		// @everyone shares the guild's id
		cfg.FallbackRoleID = cfg.GuildID
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
