package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/hikariwave/hikariwave/pkg/provider"
)

// Client is an LLM provider backed by an OpenAI-compatible chat API.
// It covers OpenAI itself and any compatible gateway (OpenRouter,
// local llama servers) selected via the base URL.
type Client struct {
	cfg        provider.Config
	httpClient *http.Client

	lck    sync.Mutex
	client *gopenai.Client
}

type Config struct {
	Provider provider.Config
	Client   *http.Client
}

func New(cfg *Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	return &Client{
		cfg:        cfg.Provider,
		httpClient: httpClient,
	}
}

func (c *Client) Config() provider.Config {
	return c.cfg
}

func (c *Client) Load(ctx context.Context) error {
	c.lck.Lock()
	defer c.lck.Unlock()
	if c.client != nil {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("openai: missing api key for %s: %w", c.cfg.Key, provider.ErrUnavailable)
	}
	apiCfg := gopenai.DefaultConfig(c.cfg.APIKey)
	if c.cfg.BaseURL != "" {
		apiCfg.BaseURL = c.cfg.BaseURL
	}
	apiCfg.HTTPClient = c.httpClient
	c.client = gopenai.NewClientWithConfig(apiCfg)
	return nil
}

func (c *Client) Unload(ctx context.Context) error {
	c.lck.Lock()
	defer c.lck.Unlock()
	c.client = nil
	return nil
}

func (c *Client) Loaded() bool {
	c.lck.Lock()
	defer c.lck.Unlock()
	return c.client != nil
}

func (c *Client) api(ctx context.Context) (*gopenai.Client, error) {
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	c.lck.Lock()
	defer c.lck.Unlock()
	return c.client, nil
}

// Chat sends a single system+user exchange and returns the assistant
// text.
func (c *Client) Chat(ctx context.Context, model, system, user string, opts *provider.ChatOptions) (string, error) {
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	req := gopenai.ChatCompletionRequest{
		Model: model,
		Messages: []gopenai.ChatCompletionMessage{
			{Role: gopenai.ChatMessageRoleSystem, Content: system},
			{Role: gopenai.ChatMessageRoleUser, Content: user},
		},
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
	}
	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Image generates an image and returns the raw PNG bytes.
func (c *Client) Image(ctx context.Context, model, prompt string) ([]byte, error) {
	api, err := c.api(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateImage(ctx, gopenai.ImageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           gopenai.CreateImageSize1024x1024,
		ResponseFormat: gopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: image generation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: image generation returned no data")
	}
	b, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai: couldn't decode image data: %w", err)
	}
	return b, nil
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	model := c.cfg.ModelName
	if model == "" && len(c.cfg.Models) > 0 {
		model = c.cfg.Models[0]
	}
	if model == "" {
		log.Printf("openai: no models configured for %s\n", c.cfg.Key)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(ctx, model, "", "ping", &provider.ChatOptions{MaxTokens: 1}); err != nil {
		log.Printf("openai: health check failed for %s: %v\n", c.cfg.Key, err)
		return false
	}
	return true
}
