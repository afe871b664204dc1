package provider

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a provider can't acquire the
// resources it needs to run, typically because model weights are not
// present locally. Providers never download weights implicitly during
// generation.
var ErrUnavailable = errors.New("provider: not available, download the model first")

// ErrOutOfResources is returned when the backing device reports memory
// exhaustion during inference. Callers surface it with a distinct
// message suggesting a reduced duration.
var ErrOutOfResources = errors.New("provider: out of device memory, try reducing the duration")

// Task types accepted by music providers.
const (
	TaskText2Music = "text2music"
	TaskCover      = "cover"
	TaskRepaint    = "repaint"
)

// Config identifies a provider instance within the registry.
type Config struct {
	// Key is the composite routing key: "provider:model" or
	// "provider:model:label".
	Key   string
	Kind  string
	Label string

	ModelName string
	ModelID   string
	BaseURL   string
	APIKey    string
	Models    []string

	// MaxDuration caps request durations, in seconds.
	MaxDuration float64
	Kwargs      map[string]string
}

// Request is the provider-agnostic music generation request. Lyrics,
// when present, are always in LRC format; providers that need plain
// text strip the timestamps themselves.
type Request struct {
	Prompt       string
	Lyrics       string
	Duration     float64
	Tempo        int
	Key          string
	Seed         int64
	Language     string
	Instrumental bool

	TaskType           string
	ReferenceAudioPath string
	SrcAudioPath       string
	CoverStrength      float64
	CoverNoiseStrength float64
	RepaintStart       float64
	RepaintEnd         float64
}

// Response is the tagged result every music provider constructs
// explicitly. Adapting a model's native output shape is the provider's
// own concern, never the caller's.
type Response struct {
	Audio      []byte
	SampleRate int
	Duration   float64
	Format     string
	Metadata   map[string]string
}

// Music is the capability contract implemented by every music
// provider. Generate lazy-loads, so Load is an optimization callers
// may skip.
type Music interface {
	Load(ctx context.Context) error
	Generate(ctx context.Context, req *Request) (*Response, error)
	Unload(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	Loaded() bool
	Downloaded() bool
	Config() Config
}

// ChatOptions tune a single LLM chat call.
type ChatOptions struct {
	Temperature float32
	MaxTokens   int
}

// LLM is the capability contract implemented by every LLM provider.
type LLM interface {
	Load(ctx context.Context) error
	Chat(ctx context.Context, model, system, user string, opts *ChatOptions) (string, error)
	Image(ctx context.Context, model, prompt string) ([]byte, error)
	Unload(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	Loaded() bool
	Config() Config
}
