package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/weisyn/ledger-flow-go/config"
	"github.com/weisyn/ledger-flow-go/internal/cmd/notaryd"
)

func main() {
	path, err := notaryd.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := notaryd.Run(ctx, cfg, logger); err != nil {
		logger.Error("notary failed", "error", err)
		os.Exit(1)
	}
}
