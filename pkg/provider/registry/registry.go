// Package registry resolves the declarative provider configuration
// into concrete provider instances and routes tasks to them. The
// registry is the only process-wide holder of provider lifecycle: a
// re-init atomically replaces the whole set and unloads the displaced
// instances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/hikariwave/hikariwave/pkg/config"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/provider/acestep"
	"github.com/hikariwave/hikariwave/pkg/provider/openai"
)

// ErrRouteUnresolved is returned when a route references a provider
// that is not registered. Only LLM routes fail this way; music routes
// fall back to any registered provider first.
var ErrRouteUnresolved = errors.New("registry: route unresolved")

// DefaultMaxDuration caps music request durations when the provider
// declaration doesn't set one, in seconds.
const DefaultMaxDuration = 600

// Key selects a factory by provider kind and optional variant label.
type Key struct {
	Kind  string
	Label string
}

type MusicFactory func(provider.Config, *http.Client) provider.Music

type LLMFactory func(provider.Config, *http.Client) provider.LLM

type Registry struct {
	client       *http.Client
	musicFactory map[Key]MusicFactory
	llmFactory   map[Key]LLMFactory

	mu          sync.RWMutex
	music       map[string]provider.Music
	musicRouter map[string]string
	llm         map[string]provider.LLM
	llmRouter   map[string]string
}

type Config struct {
	// Client is shared by all HTTP-backed providers.
	Client *http.Client

	// MusicFactories and LLMFactories extend or override the built-in
	// factory set, keyed by (kind, label).
	MusicFactories map[Key]MusicFactory
	LLMFactories   map[Key]LLMFactory
}

func New(cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	musicFactory := map[Key]MusicFactory{
		{Kind: "acestep"}: func(pc provider.Config, client *http.Client) provider.Music {
			return acestep.New(&acestep.Config{Provider: pc, Client: client})
		},
		{Kind: "acestep", Label: "official"}: func(pc provider.Config, client *http.Client) provider.Music {
			return acestep.NewOfficial(&acestep.Config{Provider: pc, Client: client})
		},
	}
	for k, f := range cfg.MusicFactories {
		musicFactory[k] = f
	}
	llmFactory := map[Key]LLMFactory{}
	for k, f := range cfg.LLMFactories {
		llmFactory[k] = f
	}
	return &Registry{
		client:       cfg.Client,
		musicFactory: musicFactory,
		llmFactory:   llmFactory,
		music:        map[string]provider.Music{},
		musicRouter:  map[string]string{},
		llm:          map[string]provider.LLM{},
		llmRouter:    map[string]string{},
	}
}

// resolveMusicFactory picks the implementation for a kind and label.
// A label-specific override wins; an unknown label falls back to the
// kind's default with a diagnostic. An unknown kind is an error.
func (r *Registry) resolveMusicFactory(kind, label string) (MusicFactory, error) {
	if label != "" {
		if f, ok := r.musicFactory[Key{Kind: kind, Label: label}]; ok {
			return f, nil
		}
		log.Printf("registry: unknown label %q for kind %q, falling back to default\n", label, kind)
	}
	f, ok := r.musicFactory[Key{Kind: kind}]
	if !ok {
		return nil, fmt.Errorf("registry: unknown music provider kind %q", kind)
	}
	return f, nil
}

func (r *Registry) resolveLLMFactory(kind, label string) LLMFactory {
	if label != "" {
		if f, ok := r.llmFactory[Key{Kind: kind, Label: label}]; ok {
			return f
		}
		log.Printf("registry: unknown label %q for kind %q, falling back to default\n", label, kind)
	}
	if f, ok := r.llmFactory[Key{Kind: kind}]; ok {
		return f
	}
	// Every LLM kind speaks an OpenAI-compatible API unless a factory
	// says otherwise.
	return func(pc provider.Config, client *http.Client) provider.LLM {
		return openai.New(&openai.Config{Provider: pc, Client: client})
	}
}

// Init replaces the full provider set with one built from cfg. The
// new set is constructed before the swap, so concurrent lookups never
// observe a half-built registry. Displaced providers are unloaded
// after the swap; in-flight generate calls keep their instance until
// they finish.
func (r *Registry) Init(ctx context.Context, cfg *config.Config) error {
	music := map[string]provider.Music{}
	for _, entry := range cfg.Music.Providers {
		for _, model := range entry.Models {
			label := model.Label
			if label == "" {
				label = entry.Label
			}
			key := fmt.Sprintf("%s:%s", entry.Name, model.Name)
			if label != "" {
				key = fmt.Sprintf("%s:%s", key, label)
			}
			if _, ok := music[key]; ok {
				return fmt.Errorf("registry: duplicate music provider key %q", key)
			}
			factory, err := r.resolveMusicFactory(entry.Type, label)
			if err != nil {
				return err
			}
			maxDuration := model.MaxDuration
			if maxDuration == 0 {
				maxDuration = entry.MaxDuration
			}
			if maxDuration == 0 {
				maxDuration = DefaultMaxDuration
			}
			music[key] = factory(provider.Config{
				Key:         key,
				Kind:        entry.Type,
				Label:       label,
				ModelName:   model.Name,
				ModelID:     model.ModelID,
				BaseURL:     entry.BaseURL,
				APIKey:      entry.APIKey,
				MaxDuration: maxDuration,
				Kwargs:      model.Kwargs,
			}, r.client)
		}
	}

	llm := map[string]provider.LLM{}
	for _, entry := range cfg.LLM.Providers {
		if _, ok := llm[entry.Name]; ok {
			return fmt.Errorf("registry: duplicate llm provider %q", entry.Name)
		}
		var models []string
		for _, m := range entry.Models {
			models = append(models, m.Name)
		}
		factory := r.resolveLLMFactory(entry.Type, entry.Label)
		llm[entry.Name] = factory(provider.Config{
			Key:     entry.Name,
			Kind:    entry.Type,
			Label:   entry.Label,
			BaseURL: entry.BaseURL,
			APIKey:  entry.APIKey,
			Models:  models,
		}, r.client)
	}

	r.mu.Lock()
	oldMusic, oldLLM := r.music, r.llm
	r.music = music
	r.musicRouter = copyRouter(cfg.Music.Router)
	r.llm = llm
	r.llmRouter = copyRouter(cfg.LLM.Router)
	r.mu.Unlock()

	for key, p := range oldMusic {
		if !p.Loaded() {
			continue
		}
		if err := p.Unload(ctx); err != nil {
			log.Printf("registry: couldn't unload music provider %s: %v\n", key, err)
		}
	}
	for name, p := range oldLLM {
		if !p.Loaded() {
			continue
		}
		if err := p.Unload(ctx); err != nil {
			log.Printf("registry: couldn't unload llm provider %s: %v\n", name, err)
		}
	}
	return nil
}

func copyRouter(router map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range router {
		out[k] = v
	}
	return out
}

// Music resolves the provider for a music task. Lookup order: the
// task route, the default route, exact key match, prefix match for a
// route without a label segment, then any registered provider. It only
// fails when the registry holds no music providers at all.
func (r *Registry) Music(task string) (provider.Music, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route := r.musicRouter[task]
	if route == "" {
		route = r.musicRouter["default"]
	}
	if p, ok := r.music[route]; ok {
		return p, nil
	}
	if route != "" {
		prefix := route + ":"
		for key, p := range r.music {
			if strings.HasPrefix(key, prefix) {
				return p, nil
			}
		}
	}
	for _, p := range r.music {
		return p, nil
	}
	return nil, fmt.Errorf("registry: no music provider for task %q (route %q): %w", task, route, ErrRouteUnresolved)
}

// LLM resolves the provider and model for an LLM task. Unlike music
// routes, an unresolved LLM route is a hard failure.
func (r *Registry) LLM(task string) (provider.LLM, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.llmRouter[task]
	if !ok {
		route = r.llmRouter["default"]
	}
	if route == "" {
		return nil, "", fmt.Errorf("registry: no llm route for task %q: %w", task, ErrRouteUnresolved)
	}
	name, model := route, ""
	if i := strings.Index(route, ":"); i >= 0 {
		name, model = route[:i], route[i+1:]
	}
	p, ok := r.llm[name]
	if !ok {
		return nil, "", fmt.Errorf("registry: llm provider %q not found for task %q: %w", name, task, ErrRouteUnresolved)
	}
	return p, model, nil
}

// Summary describes one registered provider without forcing a load.
type Summary struct {
	Key        string   `json:"name"`
	Kind       string   `json:"provider_type"`
	Label      string   `json:"label,omitempty"`
	Models     []string `json:"models"`
	Loaded     bool     `json:"is_active"`
	Downloaded bool     `json:"is_downloaded"`
}

// ListMusic summarizes the registered music providers.
func (r *Registry) ListMusic() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Summary
	for key, p := range r.music {
		cfg := p.Config()
		out = append(out, Summary{
			Key:        key,
			Kind:       cfg.Kind,
			Label:      cfg.Label,
			Models:     []string{cfg.ModelName},
			Loaded:     p.Loaded(),
			Downloaded: p.Downloaded(),
		})
	}
	return out
}

// ListLLM summarizes the registered LLM providers.
func (r *Registry) ListLLM() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Summary
	for name, p := range r.llm {
		cfg := p.Config()
		out = append(out, Summary{
			Key:    name,
			Kind:   cfg.Kind,
			Label:  cfg.Label,
			Models: cfg.Models,
			Loaded: p.Loaded(),
			// LLM providers are remote APIs, there are no local weights.
			Downloaded: true,
		})
	}
	return out
}

// Preload eagerly loads the default music provider. Failures are
// logged and swallowed: generation retries the load on demand.
func (r *Registry) Preload(ctx context.Context) {
	p, err := r.Music("default")
	if err != nil {
		log.Printf("registry: preload skipped: %v\n", err)
		return
	}
	log.Printf("registry: preloading music provider %s\n", p.Config().Key)
	if err := p.Load(ctx); err != nil {
		log.Printf("registry: preload failed (will retry on first generation): %v\n", err)
		return
	}
	log.Printf("registry: music provider %s preloaded\n", p.Config().Key)
}

// Shutdown unloads every loaded provider.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, p := range r.music {
		if !p.Loaded() {
			continue
		}
		if err := p.Unload(ctx); err != nil {
			log.Printf("registry: couldn't unload music provider %s: %v\n", key, err)
		}
	}
	for name, p := range r.llm {
		if !p.Loaded() {
			continue
		}
		if err := p.Unload(ctx); err != nil {
			log.Printf("registry: couldn't unload llm provider %s: %v\n", name, err)
		}
	}
}
