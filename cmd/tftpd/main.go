package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/tftp-it/internal/logger"
	"github.com/rudransh-shrivastava/tftp-it/internal/server"
	"github.com/rudransh-shrivastava/tftp-it/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	root := flag.String("root", "", "served directory, overrides the config file")
	verbose := flag.Bool("verbose", false, "log every packet exchange")
	flag.Parse()

	log := logger.NewLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Loading config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Root = *root
	}

	var journal *store.Journal
	if cfg.Journal != "" {
		var err error
		journal, err = store.NewJournal(cfg.Journal)
		if err != nil {
			log.Fatalf("Opening journal %s: %v", cfg.Journal, err)
		}
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Logger:  log,
		Journal: journal,
	})
	if err != nil {
		log.Fatalf("Starting server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server: %v", err)
	}
}
