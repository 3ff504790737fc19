package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"raftvfs/pkg/config"

	"github.com/goccy/go-yaml"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
// Незаданные в файле поля берутся из config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnv переопределяет адрес ноды и ZooKeeper из окружения, как в docker-compose.
func applyEnv(cfg *config.Config) error {
	if v := os.Getenv("RAFTVFS_NODE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RAFTVFS_NODE_ID: %w", err)
		}
		cfg.Node.ID = id
	}
	if v := os.Getenv("RAFTVFS_NODE_ADDR"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("RAFTVFS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		cfg.ZooKeeper.Servers = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ZooKeeper.Servers = append(cfg.ZooKeeper.Servers, s)
			}
		}
	}
	return nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node", cfg.Node.ID)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}
