package main

import (
	"flag"
	"log"
	"os"

	"github.com/pulsegram/realtime/config"
	"github.com/pulsegram/realtime/internal/app"
)

var configPath = flag.String("config", "config.json", "service configuration file")

func main() {
	flag.Parse()

	path := *configPath
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		path = env
	}
	cfg := config.MustReadConfig(path)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("wiring failed: %v", err)
	}

	// Blocks until a shutdown signal arrives or the listener fails.
	if err := application.Start(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
