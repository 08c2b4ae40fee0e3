package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/victornm/mathrush/internal/config"
	"github.com/victornm/mathrush/internal/server"
	"github.com/victornm/mathrush/internal/telemetry"
)

func main() {
	configPath := pflag.String("config", "", "path to the YAML config file, defaults to $CONFIG_PATH")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Load .env failed: %v", err)
	}

	c, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	logger, err := telemetry.NewLogger(os.Stdout, c.Log)
	if err != nil {
		log.Fatalf("Init logger failed: %v", err)
	}
	slog.SetDefault(logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig(p string) (server.Config, error) {
	c := server.DefaultConfig()

	if p == "" {
		p = os.Getenv("CONFIG_PATH")
	}

	if err := config.Load(p, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
