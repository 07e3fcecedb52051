package main

import (
	"log"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/server"
	"github.com/Nicolas3117/doser-control/internal/service"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := service.NewApp(cfg, server.New)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
