package app

import (
	"fmt"
	"strings"
	"time"

	"threadbot/internal/config"
	"threadbot/internal/storage"
)

const defaultDBPath = "./data/threadbot.db"

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func retention(cfg *config.Config) time.Duration {
	days := cfg.Retention.Days
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}
