package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/storyloom/storyloom/core/controlplane/gateway"
	"github.com/storyloom/storyloom/core/infra/config"
)

func main() {
	log.Println("storyloom gateway starting...")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gateway.Run(ctx, cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
