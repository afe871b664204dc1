package hikariwave

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hikariwave/hikariwave/pkg/config"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/provider/registry"
)

type Config struct {
	Proxy     string
	Debug     bool
	Providers string
}

// GenerateSong generates a single track given a prompt and writes the
// audio to the output file, without touching the database.
func GenerateSong(ctx context.Context, cfg *Config, prompt string, instrumental bool, output string) error {
	httpClient := &http.Client{
		Timeout: 10 * time.Minute,
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		httpClient.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}
	pcfg, err := config.Load(cfg.Providers)
	if err != nil {
		return fmt.Errorf("couldn't load provider config: %w", err)
	}
	reg := registry.New(&registry.Config{Client: httpClient})
	if err := reg.Init(ctx, pcfg); err != nil {
		return fmt.Errorf("couldn't init provider registry: %w", err)
	}
	defer reg.Shutdown(ctx)

	p, err := reg.Music(provider.TaskText2Music)
	if err != nil {
		return fmt.Errorf("couldn't resolve music provider: %w", err)
	}
	resp, err := p.Generate(ctx, &provider.Request{
		Prompt:       prompt,
		Duration:     30,
		Instrumental: instrumental,
		TaskType:     provider.TaskText2Music,
	})
	if err != nil {
		return fmt.Errorf("couldn't generate song: %w", err)
	}
	log.Println("provider:", p.Config().Key)
	log.Println("format:", resp.Format)
	log.Printf("duration: %.1fs\n", resp.Duration)
	if err := os.WriteFile(output, resp.Audio, 0644); err != nil {
		return fmt.Errorf("couldn't write output file: %w", err)
	}
	return nil
}
