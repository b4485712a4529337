package main

import (
	"context"
	"flag"
	"os"

	"clustr/captionq/internal/config"
	"clustr/captionq/internal/logging"
)

func main() {
	mode := flag.String("mode", "all", "run mode: all|api|worker")
	configPath := flag.String("config", os.Getenv("CAPTIONQ_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info", os.Stdout).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, os.Stdout)

	switch *mode {
	case "api", "worker", "all":
	default:
		logger.Error("unknown run mode", "mode", *mode)
		os.Exit(1)
	}
	if *mode == "worker" && cfg.Queue.Backend != "asynq" {
		logger.Error("worker mode needs the asynq queue backend", "queue_backend", cfg.Queue.Backend)
		os.Exit(1)
	}

	st, err := newAppState(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize app state", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	switch *mode {
	case "api":
		st.runAPI()
	case "worker":
		st.runWorker()
	case "all":
		if st.asynq != nil {
			go st.runWorker()
		}
		st.runAPI()
	}
}
