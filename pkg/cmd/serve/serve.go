// Package serve runs the HTTP service: generation endpoints, task
// polling and cancellation, history, provider administration and
// websocket progress streams.
package serve

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hikariwave/hikariwave/pkg/config"
	"github.com/hikariwave/hikariwave/pkg/filestore"
	"github.com/hikariwave/hikariwave/pkg/llm"
	"github.com/hikariwave/hikariwave/pkg/orchestrator"
	"github.com/hikariwave/hikariwave/pkg/provider/registry"
	"github.com/hikariwave/hikariwave/pkg/storage"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	FSType string
	FSConn string

	Addr        string
	Credentials map[string]string

	// ProvidersPath is the provider configuration YAML. Updates through
	// the admin endpoints are persisted back to it.
	ProvidersPath string

	Concurrency int
	Timeout     time.Duration
	Preload     bool
}

// Serve starts the generation service and blocks until ctx is done.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("serve: server started")
	defer log.Println("serve: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("serve: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("serve: couldn't start orm store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("serve: couldn't migrate orm store: %w", err)
	}

	files, err := filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("serve: couldn't create file storage: %w", err)
	}

	// A config path recorded by the admin endpoints takes precedence
	// over the flag, so a server restart keeps serving the file that
	// was last edited through the API.
	providersPath := cfg.ProvidersPath
	if v, err := store.GetSetting(ctx, settingProvidersPath); err == nil && v.Value != "" {
		providersPath = v.Value
	}

	pcfg, err := config.Load(providersPath)
	if err != nil {
		return fmt.Errorf("serve: couldn't load provider config: %w", err)
	}
	reg := registry.New(&registry.Config{
		Client: &http.Client{Timeout: 10 * time.Minute},
	})
	if err := reg.Init(ctx, pcfg); err != nil {
		return fmt.Errorf("serve: couldn't init provider registry: %w", err)
	}
	defer reg.Shutdown(context.Background())

	llmSvc := llm.New(reg, cfg.Debug)
	hub := newHub()
	orch := orchestrator.New(&orchestrator.Config{
		Store:       store,
		Router:      reg,
		LLM:         llmSvc,
		Files:       files,
		Notifier:    hub,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		Debug:       cfg.Debug,
	})
	defer orch.Shutdown()

	if err := orch.RecoverStale(ctx); err != nil {
		return fmt.Errorf("serve: couldn't recover stale generations: %w", err)
	}
	if cfg.Preload {
		go reg.Preload(ctx)
	}

	api := &api{
		store:         store,
		files:         files,
		registry:      reg,
		llm:           llmSvc,
		orchestrator:  orch,
		hub:           hub,
		providersPath: providersPath,
	}

	// Create router
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if len(cfg.Credentials) > 0 {
		mux.Use(middleware.BasicAuth("private", cfg.Credentials))
	}

	// The websocket stream outlives any request timeout, so the
	// timeout middleware only wraps the api group.
	mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		if cfg.Debug {
			r.Use(middleware.Logger)
		}
		api.routes(r)
	})
	mux.Get("/ws/tasks/{taskID}", api.taskStream)

	// Create server
	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("serve: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("serve: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	go func() {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Printf("Starting server on %s", note)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: couldn't shutdown server: %w", err)
	}
	return nil
}
