package main

import (
	"context"
	"log"

	"github.com/aussiebroadwan/sessionkit/internal/agent/app"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
