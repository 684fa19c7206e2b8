package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panelforge/internal/compat"
	"panelforge/internal/config"
	"panelforge/internal/consistency"
	"panelforge/internal/controlnet"
	"panelforge/internal/engine"
	"panelforge/internal/generators"
	"panelforge/internal/infra"
	"panelforge/internal/interfaces"
	"panelforge/internal/storage"
	"panelforge/internal/web"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	chainManifest := flag.String("chain", "", "chain manifest to run once instead of serving")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	outputDir := cfg.Backend.ComfyUI.OutputDir
	if outputDir == "" {
		outputDir = "data/outputs"
	}
	_ = os.MkdirAll(outputDir, 0755)

	// Model compatibility resolver, optionally extended by a deployment
	// manifest.
	resolver := compat.NewResolver()
	if cfg.Catalog.CheckpointManifest != "" {
		entries, err := compat.LoadCheckpointCatalog(cfg.Catalog.CheckpointManifest)
		if err != nil {
			log.Printf("Warning: Failed to load checkpoint manifest: %v", err)
		} else {
			resolver = compat.NewResolverWithCatalog(entries)
			log.Printf("Checkpoint manifest loaded: %d entries", len(entries))
		}
	}

	// Generation backend, serialized through the worker queue.
	comfyClient := generators.NewComfyUIClient(generators.ComfyUIConfig{
		BaseURL:   cfg.Backend.ComfyUI.BaseURL,
		Timeout:   cfg.Backend.ComfyUI.Timeout,
		OutputDir: outputDir,
	})
	queued := generators.NewQueuedBackend(comfyClient, cfg.Queue.MaxWorkers)
	defer queued.Close()
	var backend interfaces.Backend = queued

	// Storage connections
	var panels interfaces.PanelService = storage.NewMemoryPanelStore()
	if cfg.Database.MySQL.Enabled {
		mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
		if err != nil {
			log.Printf("Warning: Failed to connect to MySQL, using in-memory panel store: %v", err)
		} else {
			defer mysqlStore.Close()
			panels = mysqlStore
			log.Println("MySQL connected successfully")
		}
	} else {
		log.Println("MySQL disabled, using in-memory panel store")
	}

	var identityStore consistency.IdentityStore = consistency.NewMemoryStore()
	var stackOpts []controlnet.Option
	if cfg.Database.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v", err)
		} else {
			defer redisStore.Close()
			log.Println("Redis connected successfully")
			stackOpts = append(stackOpts, controlnet.WithPreprocessCache(redisStore.PreprocessCache()))
			identityStore = storage.NewPersistentIdentityStore(context.Background(), redisStore)
		}
	}

	// Optional degraded-mode prompt refiner
	if cfg.Refiner.Enabled && cfg.Refiner.APIKey != "" {
		refiner := engine.NewPromptRefiner(engine.RefinerConfig{
			APIKey:  cfg.Refiner.APIKey,
			BaseURL: cfg.Refiner.BaseURL,
			Model:   cfg.Refiner.Model,
			Timeout: cfg.Refiner.Timeout,
		})
		stackOpts = append(stackOpts, controlnet.WithPromptRefiner(refiner))
		log.Println("Prompt refiner enabled")
	}

	stack := controlnet.NewStack(backend, resolver, stackOpts...)

	svc := consistency.NewService(consistency.Deps{
		Stack:          stack,
		Backend:        backend,
		Panels:         panels,
		Store:          identityStore,
		DefaultAdapter: cfg.Consistency.DefaultAdapter,
		OutputDir:      cfg.Consistency.OutputDir,
	})

	// One-shot mode: run the chain manifest and exit instead of serving.
	if *chainManifest != "" {
		manifest, err := consistency.LoadChainManifest(*chainManifest)
		if err != nil {
			log.Fatalf("Failed to load chain manifest: %v", err)
		}
		result, err := svc.RunManifest(context.Background(), manifest)
		if err != nil {
			log.Fatalf("Chain manifest run failed: %v", err)
		}
		for _, step := range result.Results {
			if step.Success {
				log.Printf("Chained %s -> %s: %s", step.PreviousPanelID, step.TargetPanelID, step.ImagePath)
			} else {
				log.Printf("Chain %s -> %s failed: %s", step.PreviousPanelID, step.TargetPanelID, step.Error)
			}
		}
		log.Printf("Chain manifest finished: %d/%d steps succeeded", result.SuccessCount, len(result.Results))
		if result.SuccessCount < len(result.Results) {
			queued.Close()
			os.Exit(1)
		}
		return
	}

	// Optional local ComfyUI process manager
	var comfyuiManager *infra.ComfyUIManager
	if cfg.Backend.Manager.PythonPath != "" {
		comfyuiManager = infra.NewComfyUIManager(cfg.Backend.Manager)
	}

	handlers := web.NewHandlers(web.Deps{
		Resolver:       resolver,
		Stack:          stack,
		Consistency:    svc,
		Backend:        backend,
		ComfyUIManager: comfyuiManager,
	})
	r := web.NewRouter(handlers)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in background
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
