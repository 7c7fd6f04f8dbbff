// cmd/swarmdrop-coordinator/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssd-technologies/swarmdrop/internal/config"
	"github.com/ssd-technologies/swarmdrop/internal/coordinator"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()
	}()

	c := coordinator.New(*cfg)
	c.StartWorkers(ctx)

	if err := c.Run(ctx); err != nil {
		log.Fatalf("coordinator: %v", err)
	}
}
