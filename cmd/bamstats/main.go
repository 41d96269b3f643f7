package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultPrompter()).ExecuteContext(ctx); err != nil {
		log.Fatalf("bamstats: %v", err)
	}
}
