package acestep

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hikariwave/hikariwave/pkg/provider"
)

// Official is the "official" labeled variant of the acestep kind. It
// drives the vendor handler daemon, which exposes a task-style API
// (submit, then poll) instead of the single-call API of the default
// client.
type Official struct {
	cfg     provider.Config
	client  *http.Client
	baseURL string
	wait    time.Duration

	lck    sync.Mutex
	loaded bool
}

func NewOfficial(cfg *Config) *Official {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	baseURL := cfg.Provider.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8002"
	}
	return &Official{
		cfg:     cfg.Provider,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		wait:    2 * time.Second,
	}
}

func (o *Official) Config() provider.Config {
	return o.cfg
}

func (o *Official) inner() *Client {
	// The handler daemon shares the lifecycle endpoints with the
	// default daemon API.
	return &Client{
		cfg:     o.cfg,
		client:  o.client,
		baseURL: o.baseURL,
	}
}

func (o *Official) Load(ctx context.Context) error {
	o.lck.Lock()
	defer o.lck.Unlock()
	if o.loaded {
		return nil
	}
	if err := o.inner().do(ctx, http.MethodPost, "/initialize", loadRequest{
		ModelID: o.cfg.ModelID,
		Kwargs:  o.cfg.Kwargs,
	}, nil); err != nil {
		return fmt.Errorf("acestep: couldn't initialize handler for %s: %w", o.cfg.ModelID, err)
	}
	o.loaded = true
	return nil
}

func (o *Official) Unload(ctx context.Context) error {
	o.lck.Lock()
	defer o.lck.Unlock()
	if !o.loaded {
		return nil
	}
	if err := o.inner().do(ctx, http.MethodPost, "/release", nil, nil); err != nil {
		return fmt.Errorf("acestep: couldn't release handler for %s: %w", o.cfg.ModelID, err)
	}
	o.loaded = false
	return nil
}

func (o *Official) Loaded() bool {
	o.lck.Lock()
	defer o.lck.Unlock()
	return o.loaded
}

func (o *Official) Downloaded() bool {
	return o.inner().Downloaded()
}

func (o *Official) HealthCheck(ctx context.Context) bool {
	return o.inner().HealthCheck(ctx)
}

type officialTask struct {
	ID string `json:"task_id"`
}

type officialResult struct {
	Status     string            `json:"status"`
	Error      string            `json:"error"`
	Audio      string            `json:"audio_base64"`
	SampleRate int               `json:"sample_rate"`
	Duration   float64           `json:"duration"`
	Format     string            `json:"format"`
	Metadata   map[string]string `json:"metadata"`
}

func (o *Official) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if !o.Loaded() {
		if err := o.Load(ctx); err != nil {
			return nil, err
		}
	}
	// The handler daemon names the caption field "caption" and takes
	// plain seconds for the repaint bounds.
	greq := map[string]interface{}{
		"caption":      req.Prompt,
		"lyrics":       req.Lyrics,
		"duration":     req.Duration,
		"instrumental": req.Instrumental,
		"task_type":    req.TaskType,
	}
	if req.Seed != 0 {
		greq["seed"] = req.Seed
	}
	if req.ReferenceAudioPath != "" {
		greq["reference_audio"] = req.ReferenceAudioPath
	}
	if req.SrcAudioPath != "" {
		greq["src_audio"] = req.SrcAudioPath
		greq["cover_strength"] = req.CoverStrength
		greq["cover_noise_strength"] = req.CoverNoiseStrength
	}
	if req.TaskType == provider.TaskRepaint {
		greq["repaint_start"] = req.RepaintStart
		greq["repaint_end"] = req.RepaintEnd
	}
	var task officialTask
	if err := o.inner().do(ctx, http.MethodPost, "/tasks", greq, &task); err != nil {
		return nil, fmt.Errorf("acestep: couldn't submit task: %w", err)
	}

	// Poll until the handler reports a terminal status.
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acestep: %w", ctx.Err())
		case <-time.After(o.wait):
		}
		var result officialResult
		u := fmt.Sprintf("/tasks/%s", task.ID)
		if err := o.inner().do(ctx, http.MethodGet, u, nil, &result); err != nil {
			return nil, fmt.Errorf("acestep: couldn't poll task %s: %w", task.ID, err)
		}
		switch result.Status {
		case "completed":
			audio, err := base64.StdEncoding.DecodeString(result.Audio)
			if err != nil {
				return nil, fmt.Errorf("acestep: couldn't decode audio data: %w", err)
			}
			if len(audio) == 0 {
				return nil, fmt.Errorf("acestep: handler returned no audio")
			}
			format := result.Format
			if format == "" {
				format = "wav"
			}
			return &provider.Response{
				Audio:      audio,
				SampleRate: result.SampleRate,
				Duration:   result.Duration,
				Format:     format,
				Metadata:   result.Metadata,
			}, nil
		case "failed":
			if strings.Contains(strings.ToLower(result.Error), "out of memory") {
				return nil, fmt.Errorf("%s: %w", result.Error, provider.ErrOutOfResources)
			}
			return nil, fmt.Errorf("acestep: generation failed: %s", result.Error)
		default:
			continue
		}
	}
}
