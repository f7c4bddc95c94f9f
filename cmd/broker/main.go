package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bradax/broker/internal/api"
	"github.com/bradax/broker/internal/auth"
	"github.com/bradax/broker/internal/config"
	"github.com/bradax/broker/internal/guardrail"
	"github.com/bradax/broker/internal/llm"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/project"
	"github.com/bradax/broker/internal/registry"
	"github.com/bradax/broker/internal/telemetry"
)

func main() {
	log.Println("🔥 Starting bradax broker...")

	// .env is a development convenience; the real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Cannot prepare data dir %s: %v", cfg.DataDir, err)
	}

	// 1. Stores: fail fast on any integrity violation.
	projects, err := project.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Project store: %v", err)
	}
	catalog, err := registry.LoadCatalog(cfg.DataDir)
	if err != nil {
		log.Fatalf("Model catalog: %v", err)
	}
	rules, err := guardrail.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Guardrail store: %v", err)
	}
	tw, err := telemetry.NewWriter(cfg.DataDir, cfg.InteractionsMaxEntries)
	if err != nil {
		log.Fatalf("Telemetry writer: %v", err)
	}

	// 2. Pipeline.
	m := metrics.New(prometheus.DefaultRegisterer)
	authSvc := auth.NewService(cfg.MasterSecret, cfg.JWTExpiry(), projects, tw)
	providers := map[string]llm.Provider{
		"openai": llm.NewOpenAIProvider(cfg.ProviderAPIKey, "", nil),
		"mock":   &llm.MockProvider{},
	}
	orchestrator := llm.NewOrchestrator(
		providers, catalog, projects, rules,
		guardrail.NewEngine(tw), tw, m, cfg.ProviderTimeout(),
	)

	// 3. HTTP surface.
	server := api.NewServer(cfg, authSvc, orchestrator, projects, catalog, rules, tw, m, prometheus.DefaultGatherer)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
