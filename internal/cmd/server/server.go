// Package server parses server command flags and starts the game runtime.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/taleforge/taleforge/internal/auth"
	"github.com/taleforge/taleforge/internal/generation"
	graphsqlite "github.com/taleforge/taleforge/internal/graph/sqlite"
	"github.com/taleforge/taleforge/internal/platform/config"
	"github.com/taleforge/taleforge/internal/platform/otel"
	gameserver "github.com/taleforge/taleforge/internal/server"
	storesqlite "github.com/taleforge/taleforge/internal/storage/sqlite"
)

const serviceName = "taleforge-server"

// Config holds server command configuration.
type Config struct {
	Addr              string        `env:"TALEFORGE_ADDR" envDefault:":8080"`
	EntityDBPath      string        `env:"TALEFORGE_ENTITY_DB" envDefault:"taleforge.db"`
	GraphDBPath       string        `env:"TALEFORGE_GRAPH_DB" envDefault:"taleforge-graph.db"`
	OllamaURL         string        `env:"TALEFORGE_OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel       string        `env:"TALEFORGE_OLLAMA_MODEL" envDefault:"llama3"`
	GenerationTimeout time.Duration `env:"TALEFORGE_GENERATION_TIMEOUT" envDefault:"2m"`
	TokenSecret       string        `env:"TALEFORGE_TOKEN_SECRET"`
	TokenTTL          time.Duration `env:"TALEFORGE_TOKEN_TTL" envDefault:"4h"`
	DecayInterval     time.Duration `env:"TALEFORGE_DECAY_INTERVAL" envDefault:"10m"`
	DecayRate         float64       `env:"TALEFORGE_DECAY_RATE" envDefault:"0.1"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.EntityDBPath, "entity-db", cfg.EntityDBPath, "Path to the entity database file")
	fs.StringVar(&cfg.GraphDBPath, "graph-db", cfg.GraphDBPath, "Path to the causal graph database file")
	fs.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Base URL of the Ollama server")
	fs.StringVar(&cfg.OllamaModel, "ollama-model", cfg.OllamaModel, "Model name passed to Ollama")
	fs.DurationVar(&cfg.GenerationTimeout, "generation-timeout", cfg.GenerationTimeout, "Per-request generation deadline")
	fs.DurationVar(&cfg.DecayInterval, "decay-interval", cfg.DecayInterval, "Interval between momentum decay passes (0 disables)")
	fs.Float64Var(&cfg.DecayRate, "decay-rate", cfg.DecayRate, "Weight subtracted from impact edges per decay pass")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the game session service and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdownTracing, err := otel.Setup(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("[GAME] tracing shutdown: %v", err)
		}
	}()

	entities, err := storesqlite.Open(cfg.EntityDBPath)
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	defer func() { _ = entities.Close() }()

	graphStore, err := graphsqlite.Open(cfg.GraphDBPath)
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer func() { _ = graphStore.Close() }()

	minter, err := auth.NewMinter(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("init token minter: %w", err)
	}

	generator := generation.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, cfg.GenerationTimeout)
	srv := gameserver.New(entities, graphStore, generator, minter)

	if cfg.DecayInterval > 0 && cfg.DecayRate > 0 {
		go runDecayLoop(ctx, graphStore, cfg.DecayInterval, cfg.DecayRate)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("[GAME] listening on %s", cfg.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runDecayLoop periodically fades impact edge weights so stale actions
// stop holding momentum.
func runDecayLoop(ctx context.Context, graphStore *graphsqlite.Store, interval time.Duration, rate float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := graphStore.Decay(ctx, rate); err != nil {
				log.Printf("[GAME] decay pass failed: %v", err)
			}
		}
	}
}
