package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/embedding"
	"github.com/nidhogg/overseer/internal/engine"
	"github.com/nidhogg/overseer/internal/events"
	"github.com/nidhogg/overseer/internal/memory"
	"github.com/nidhogg/overseer/internal/persona"
	"github.com/nidhogg/overseer/internal/provider"
	pgstore "github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Generation provider. Every configured provider is wrapped in the stub
	// fallback so an unreachable endpoint degrades a step instead of
	// failing the run.
	var generator provider.Generator
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			generator = provider.NewOpenAIProvider(provCfg, logger)
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
		if generator != nil {
			break
		}
	}
	generator = provider.NewStubFallback(generator, logger)

	// Initialize PostgreSQL store; fall back to in-memory when unavailable
	memStore := engine.NewInMemoryStore()
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			defer pgStore.Close()
		}
	}

	// Initialize semantic graph store
	var graph *memory.GraphStore
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := memory.NewGraphStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without semantic memory", zap.Error(gErr))
		} else if pErr := g.Ping(context.Background()); pErr != nil {
			logger.Warn("Neo4j unreachable, running without semantic memory", zap.Error(pErr))
		} else {
			graph = g
			defer graph.Close(context.Background())
		}
	}

	// Initialize vector index
	var vectors *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		vc, vErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		}, cfg.Database.Qdrant.Collection)
		if vErr != nil {
			logger.Warn("Qdrant unavailable, running without vector index", zap.Error(vErr))
		} else {
			dim := cfg.Embedding.Dimension
			if dim <= 0 {
				dim = 384
			}
			if cErr := vc.EnsureCollection(context.Background(), uint64(dim)); cErr != nil {
				logger.Warn("Qdrant collection setup failed, running without vector index", zap.Error(cErr))
				vc.Close()
			} else {
				vectors = vc
				defer vectors.Close()
			}
		}
	}

	// Initialize event bus
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, bErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if bErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(bErr))
		} else {
			bus = b
			defer bus.Close()
		}
	}

	// Embedding provider
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "api":
		embedder = embedding.NewAPIProvider(embedding.Config{
			Provider: cfg.Embedding.Provider, Endpoint: cfg.Embedding.Endpoint,
			Model: cfg.Embedding.Model, APIKey: cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
	case "local":
		embedder = embedding.NewLocalProvider(embedding.Config{
			Provider: cfg.Embedding.Provider, Endpoint: cfg.Embedding.Endpoint,
			Model: cfg.Embedding.Model, Dimension: cfg.Embedding.Dimension,
		})
	}

	// Memory recorder needs at least the episodic trace store
	var recorder *memory.Recorder
	if pgStore != nil {
		var semantic memory.SemanticStore
		if graph != nil {
			semantic = graph
		}
		var index memory.VectorIndex
		if vectors != nil {
			index = vectors
		}
		recorder = memory.NewRecorder(pgStore, semantic, index, embedder, logger)
	}

	// External caller for API steps
	var caller engine.ExternalCaller = engine.StubCaller{}
	if cfg.Engine.HTTPCalls {
		timeout := time.Duration(cfg.Engine.CallTimeout) * time.Second
		caller = engine.NewFallbackCaller(engine.NewHTTPCaller(timeout), logger)
	}

	// Persona provider
	var personas persona.Provider
	if pgStore != nil {
		personas = pgStore
	} else {
		personas = persona.NewStaticProvider()
	}

	deps := engine.Deps{
		Generator: generator,
		Personas:  personas,
		Caller:    caller,
		MaxSteps:  cfg.Engine.MaxSteps,
		Logger:    logger,
	}
	if bus != nil {
		deps.Events = bus
	}
	if recorder != nil {
		deps.Memory = recorder
	}

	var apiStore api.Store
	if pgStore != nil {
		deps.Playbooks = pgStore
		deps.Runs = pgStore
		deps.StepRuns = pgStore
		apiStore = pgStore
	} else {
		deps.Playbooks = memStore
		deps.Runs = memStore
		deps.StepRuns = memStore
		apiStore = memStore
	}

	eng := engine.New(deps)
	handler := api.NewHandler(eng, apiStore, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("Overseer stopped")
}
