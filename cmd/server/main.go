package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/parley/internal/api"
	"github.com/CodeWithBehnam/parley/internal/auth"
	"github.com/CodeWithBehnam/parley/internal/config"
	"github.com/CodeWithBehnam/parley/internal/db"
	"github.com/CodeWithBehnam/parley/internal/llm"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	configPath := os.Getenv("PARLEY_CONFIG")
	if configPath == "" {
		configPath = "parley.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err), zap.String("path", configPath))
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
	}
	defer database.Close()

	completions, err := llm.New(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("failed to initialize completion client", zap.Error(err))
	}

	handler := api.NewHandler(database, completions, logger)
	authMW := auth.Middleware(database, cfg.Auth.SubjectHeader, logger)
	router := api.NewRouter(handler, authMW)

	logger.Info("starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model", cfg.LLM.Model))
	if err := http.ListenAndServe(cfg.Server.Addr, router); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
