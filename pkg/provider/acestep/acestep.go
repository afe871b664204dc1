// Package acestep implements music providers backed by a local
// ACE-Step inference daemon. The daemon owns the model weights and
// device memory; this package only drives its HTTP API.
//
// Two variants exist for the same provider kind: the default client
// (this file) speaks the self-assembled daemon API, while the
// "official" labeled variant (official.go) speaks the vendor handler
// API.
package acestep

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hikariwave/hikariwave/pkg/provider"
)

type Client struct {
	cfg     provider.Config
	client  *http.Client
	baseURL string

	lck    sync.Mutex
	loaded bool
}

type Config struct {
	Provider provider.Config
	Client   *http.Client
}

func New(cfg *Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Minute,
		}
	}
	baseURL := cfg.Provider.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	return &Client{
		cfg:     cfg.Provider,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (c *Client) Config() provider.Config {
	return c.cfg
}

type loadRequest struct {
	ModelID string            `json:"model_id"`
	Kwargs  map[string]string `json:"model_kwargs,omitempty"`
}

// Load asks the daemon to load the model weights onto the device. It
// fails without attempting a download when the weights are not cached
// locally.
func (c *Client) Load(ctx context.Context) error {
	c.lck.Lock()
	defer c.lck.Unlock()
	if c.loaded {
		return nil
	}
	req := loadRequest{
		ModelID: c.cfg.ModelID,
		Kwargs:  c.cfg.Kwargs,
	}
	if err := c.do(ctx, http.MethodPost, "/load", req, nil); err != nil {
		return fmt.Errorf("acestep: couldn't load %s: %w", c.cfg.ModelID, err)
	}
	c.loaded = true
	return nil
}

// Unload releases the daemon-side resources. Safe to call when
// already unloaded.
func (c *Client) Unload(ctx context.Context) error {
	c.lck.Lock()
	defer c.lck.Unlock()
	if !c.loaded {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/unload", nil, nil); err != nil {
		return fmt.Errorf("acestep: couldn't unload %s: %w", c.cfg.ModelID, err)
	}
	c.loaded = false
	return nil
}

func (c *Client) Loaded() bool {
	c.lck.Lock()
	defer c.lck.Unlock()
	return c.loaded
}

type statusResponse struct {
	Loaded     bool `json:"loaded"`
	Downloaded bool `json:"downloaded"`
}

// Downloaded reports whether the model weights are present in the
// daemon's local cache, without forcing a load.
func (c *Client) Downloaded() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var status statusResponse
	u := fmt.Sprintf("/status?model_id=%s", c.cfg.ModelID)
	if err := c.do(ctx, http.MethodGet, u, nil, &status); err != nil {
		return false
	}
	return status.Downloaded
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		log.Printf("acestep: health check failed for %s: %v\n", c.cfg.Key, err)
		return false
	}
	return true
}

type generateRequest struct {
	Prompt       string  `json:"prompt"`
	Lyrics       string  `json:"lyrics,omitempty"`
	Duration     float64 `json:"duration"`
	Tempo        int     `json:"tempo,omitempty"`
	Key          string  `json:"key,omitempty"`
	Seed         int64   `json:"seed,omitempty"`
	Language     string  `json:"language,omitempty"`
	Instrumental bool    `json:"instrumental"`

	TaskType           string  `json:"task_type,omitempty"`
	ReferenceAudioPath string  `json:"reference_audio_path,omitempty"`
	SrcAudioPath       string  `json:"src_audio_path,omitempty"`
	CoverStrength      float64 `json:"audio_cover_strength,omitempty"`
	CoverNoiseStrength float64 `json:"cover_noise_strength,omitempty"`
	RepaintStart       float64 `json:"repainting_start,omitempty"`
	RepaintEnd         float64 `json:"repainting_end,omitempty"`
}

type generateResponse struct {
	Audio      string            `json:"audio_base64"`
	SampleRate int               `json:"sample_rate"`
	Duration   float64           `json:"duration"`
	Format     string            `json:"format"`
	Metadata   map[string]string `json:"metadata"`
}

// Generate runs inference on the daemon and adapts its response into
// the tagged provider result. It loads the model first if needed.
func (c *Client) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if !c.Loaded() {
		if err := c.Load(ctx); err != nil {
			return nil, err
		}
	}
	greq := generateRequest{
		Prompt:             req.Prompt,
		Lyrics:             req.Lyrics,
		Duration:           req.Duration,
		Tempo:              req.Tempo,
		Key:                req.Key,
		Seed:               req.Seed,
		Language:           req.Language,
		Instrumental:       req.Instrumental,
		TaskType:           req.TaskType,
		ReferenceAudioPath: req.ReferenceAudioPath,
		SrcAudioPath:       req.SrcAudioPath,
		CoverStrength:      req.CoverStrength,
		CoverNoiseStrength: req.CoverNoiseStrength,
		RepaintStart:       req.RepaintStart,
		RepaintEnd:         req.RepaintEnd,
	}
	var gresp generateResponse
	if err := c.do(ctx, http.MethodPost, "/generate", greq, &gresp); err != nil {
		return nil, fmt.Errorf("acestep: generation failed: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(gresp.Audio)
	if err != nil {
		return nil, fmt.Errorf("acestep: couldn't decode audio data: %w", err)
	}
	format := gresp.Format
	if format == "" {
		format = "wav"
	}
	return &provider.Response{
		Audio:      audio,
		SampleRate: gresp.SampleRate,
		Duration:   gresp.Duration,
		Format:     format,
		Metadata:   gresp.Metadata,
	}, nil
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("couldn't marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("couldn't create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("couldn't read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return toError(resp.StatusCode, b)
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("couldn't unmarshal response %q: %w", string(b), err)
		}
	}
	return nil
}

// toError maps daemon failures onto the provider error taxonomy so
// callers can give distinct, actionable messages.
func toError(status int, body []byte) error {
	var e errorResponse
	detail := string(body)
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		detail = e.Detail
	}
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "out of memory"):
		return fmt.Errorf("%s: %w", detail, provider.ErrOutOfResources)
	case strings.Contains(lower, "not downloaded"), status == http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w", detail, provider.ErrUnavailable)
	default:
		return fmt.Errorf("status %d: %s", status, detail)
	}
}
