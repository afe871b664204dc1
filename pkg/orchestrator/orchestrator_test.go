package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hikariwave/hikariwave/pkg/filestore"
	"github.com/hikariwave/hikariwave/pkg/llm"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/storage"
)

type fakeMusic struct {
	cfg      provider.Config
	started  chan string
	proceed  chan struct{}
	err      error
	active   int32
	maxSeen  int32
	requests []*provider.Request
}

func (f *fakeMusic) Load(ctx context.Context) error { return nil }

func (f *fakeMusic) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.active, -1)
	f.requests = append(f.requests, req)
	if f.started != nil {
		f.started <- req.Prompt
	}
	if f.proceed != nil {
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{
		Audio:    []byte("audio-bytes"),
		Format:   "mp3",
		Duration: 2.5,
	}, nil
}

func (f *fakeMusic) Unload(ctx context.Context) error     { return nil }
func (f *fakeMusic) HealthCheck(ctx context.Context) bool { return true }
func (f *fakeMusic) Loaded() bool                         { return true }
func (f *fakeMusic) Downloaded() bool                     { return true }
func (f *fakeMusic) Config() provider.Config              { return f.cfg }

type fakeRouter struct {
	music *fakeMusic
}

func (f *fakeRouter) Music(task string) (provider.Music, error) {
	return f.music, nil
}

const testLRC = `[00:08.00]walking through the rain
[00:12.00]shadows on the street
[00:16.00]every light the same
[00:20.00]echoes of your feet
[00:24.00]waiting for the dawn`

type fakeLLM struct {
	lyricsErr error
	coverErr  error
}

func (f *fakeLLM) EnhancePrompt(ctx context.Context, req *llm.EnhanceRequest) (string, error) {
	return "An enhanced caption for " + req.Prompt, nil
}

func (f *fakeLLM) GenerateLyrics(ctx context.Context, req *llm.LyricsRequest) (string, error) {
	if f.lyricsErr != nil {
		return "", f.lyricsErr
	}
	return testLRC, nil
}

func (f *fakeLLM) FormatLyrics(ctx context.Context, lyrics string, duration float64, language string) (string, error) {
	return testLRC, nil
}

func (f *fakeLLM) GenerateCoverPrompt(ctx context.Context, req *llm.CoverPromptRequest) (string, error) {
	if f.coverErr != nil {
		return "", f.coverErr
	}
	return "an abstract skyline at dusk", nil
}

func (f *fakeLLM) GenerateCoverImage(ctx context.Context, prompt string) ([]byte, error) {
	if f.coverErr != nil {
		return nil, f.coverErr
	}
	return []byte("png-bytes"), nil
}

func newTestOrchestrator(t *testing.T, music *fakeMusic, cfg *Config) (*Orchestrator, *storage.Store) {
	t.Helper()
	store, err := storage.New("sqlite", ":memory:", false)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	files, err := filestore.New("local", t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Store = store
	cfg.Router = &fakeRouter{music: music}
	if cfg.LLM == nil {
		cfg.LLM = &fakeLLM{}
	}
	cfg.Files = files
	o := New(cfg)
	t.Cleanup(o.Shutdown)
	return o, store
}

func waitForStatus(t *testing.T, store *storage.Store, taskID, status string) *storage.Generation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		g, err := store.GetGenerationByTaskID(context.Background(), taskID)
		if err != nil {
			t.Fatal(err)
		}
		if g.Status == status {
			return g
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generation %s never reached status %s", taskID, status)
	return nil
}

func TestCreateCompletes(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1", MaxDuration: 600}}
	o, store := newTestOrchestrator(t, music, nil)

	g, err := o.Create(context.Background(), &Request{
		Prompt:         "a quiet piano piece",
		Duration:       60,
		GenerateLyrics: true,
	})
	if err != nil {
		t.Fatalf("Create() err = %v; want nil", err)
	}
	if g.Status != storage.StatusPending {
		t.Errorf("status = %s; want pending", g.Status)
	}
	if g.MusicProvider != "acestep:v1" {
		t.Errorf("music provider = %s; want acestep:v1", g.MusicProvider)
	}
	if g.Lyrics != testLRC {
		t.Errorf("lyrics = %q; want generated LRC", g.Lyrics)
	}
	if g.Instrumental {
		t.Error("instrumental = true; want false when lyrics were generated")
	}

	done := waitForStatus(t, store, g.TaskID, storage.StatusCompleted)
	if done.Progress != 100 || done.ProgressMessage != "Complete!" {
		t.Errorf("progress = %d %q; want 100 Complete!", done.Progress, done.ProgressMessage)
	}
	if done.AudioPath == "" || done.AudioFormat != "mp3" {
		t.Errorf("audio = %q format %q", done.AudioPath, done.AudioFormat)
	}
	if done.ActualDuration != 2.5 {
		t.Errorf("actual duration = %f; want 2.5", done.ActualDuration)
	}
	if done.LRCLyrics != testLRC {
		t.Error("lrc lyrics not persisted on completion")
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if _, err := o.files.GetAudio(context.Background(), g.ID, "mp3"); err != nil {
		t.Errorf("audio file not stored: %v", err)
	}
}

func TestForcedInstrumental(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1"}}
	o, store := newTestOrchestrator(t, music, nil)

	// No lyrics given and none generated: the request must degrade to
	// instrumental instead of producing a vocal track without words.
	g, err := o.Create(context.Background(), &Request{
		Prompt: "ambient drone",
	})
	if err != nil {
		t.Fatalf("Create() err = %v; want nil", err)
	}
	if !g.Instrumental {
		t.Error("instrumental = false; want true when no lyrics are available")
	}
	if g.Lyrics != "" {
		t.Errorf("lyrics = %q; want empty", g.Lyrics)
	}
	waitForStatus(t, store, g.TaskID, storage.StatusCompleted)
	if len(music.requests) != 1 || !music.requests[0].Instrumental {
		t.Error("provider request not marked instrumental")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	music := &fakeMusic{
		cfg:     provider.Config{Key: "acestep:v1"},
		started: make(chan string, 3),
		proceed: make(chan struct{}),
	}
	o, store := newTestOrchestrator(t, music, &Config{Concurrency: 1})

	var tasks []string
	for i := 0; i < 3; i++ {
		g, err := o.Create(context.Background(), &Request{Prompt: "queued piece"})
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, g.TaskID)
	}

	// Only one unit may enter the provider at a time.
	<-music.started
	select {
	case <-music.started:
		t.Fatal("second generation started while the first held the only slot")
	case <-time.After(100 * time.Millisecond):
	}
	close(music.proceed)

	for _, taskID := range tasks {
		waitForStatus(t, store, taskID, storage.StatusCompleted)
	}
	if max := atomic.LoadInt32(&music.maxSeen); max != 1 {
		t.Errorf("max concurrent generations = %d; want 1", max)
	}
}

func TestCancel(t *testing.T) {
	music := &fakeMusic{
		cfg:     provider.Config{Key: "acestep:v1"},
		started: make(chan string, 1),
		proceed: make(chan struct{}),
	}
	o, store := newTestOrchestrator(t, music, nil)

	g, err := o.Create(context.Background(), &Request{Prompt: "to be cancelled"})
	if err != nil {
		t.Fatal(err)
	}
	<-music.started
	if !o.Cancel(g.TaskID) {
		t.Fatal("Cancel() = false; want true for a running task")
	}
	got := waitForStatus(t, store, g.TaskID, storage.StatusFailed)
	if got.ErrorMessage != "Cancelled by user" {
		t.Errorf("error message = %q; want Cancelled by user", got.ErrorMessage)
	}
	if got.Progress != 0 {
		t.Errorf("progress = %d; want 0", got.Progress)
	}

	// A finished task is no longer tracked.
	if o.Cancel(g.TaskID) {
		t.Error("Cancel() = true after terminal state; want false")
	}
	if o.Cancel("unknown") {
		t.Error("Cancel(unknown) = true; want false")
	}
}

func TestTimeout(t *testing.T) {
	music := &fakeMusic{
		cfg:     provider.Config{Key: "acestep:v1"},
		proceed: make(chan struct{}),
	}
	o, store := newTestOrchestrator(t, music, &Config{Timeout: 50 * time.Millisecond})

	g, err := o.Create(context.Background(), &Request{Prompt: "too slow"})
	if err != nil {
		t.Fatal(err)
	}
	got := waitForStatus(t, store, g.TaskID, storage.StatusFailed)
	if got.ErrorMessage != "Generation timed out" {
		t.Errorf("error message = %q; want Generation timed out", got.ErrorMessage)
	}
}

func TestProviderErrorTruncated(t *testing.T) {
	music := &fakeMusic{
		cfg: provider.Config{Key: "acestep:v1"},
		err: errors.New(strings.Repeat("x", 900)),
	}
	o, store := newTestOrchestrator(t, music, nil)

	g, err := o.Create(context.Background(), &Request{Prompt: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	got := waitForStatus(t, store, g.TaskID, storage.StatusFailed)
	if len(got.ErrorMessage) != maxErrorLength {
		t.Errorf("error message length = %d; want %d", len(got.ErrorMessage), maxErrorLength)
	}
}

func TestDurationClamp(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1", MaxDuration: 120}}
	o, store := newTestOrchestrator(t, music, nil)

	g, err := o.Create(context.Background(), &Request{Prompt: "epic saga", Duration: 900})
	if err != nil {
		t.Fatal(err)
	}
	if g.Duration != 120 {
		t.Errorf("duration = %f; want clamped to 120", g.Duration)
	}
	waitForStatus(t, store, g.TaskID, storage.StatusCompleted)
	if music.requests[0].Duration != 120 {
		t.Errorf("request duration = %f; want 120", music.requests[0].Duration)
	}
}

func TestExtend(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1"}}
	o, store := newTestOrchestrator(t, music, nil)

	parent, err := o.Create(context.Background(), &Request{
		Prompt: "a summer anthem",
		Genre:  "Pop",
		Mood:   "Happy",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, parent.TaskID, storage.StatusCompleted)

	child, err := o.Extend(context.Background(), parent.ID, "", "", 45)
	if err != nil {
		t.Fatalf("Extend() err = %v; want nil", err)
	}
	if child.ParentID == nil || *child.ParentID != parent.ID {
		t.Error("child not linked to parent")
	}
	if child.ParentType != storage.ParentExtend {
		t.Errorf("parent type = %s; want extend", child.ParentType)
	}
	if !strings.HasSuffix(child.Prompt, "(continuation)") {
		t.Errorf("prompt = %q; want continuation suffix", child.Prompt)
	}
	if child.Genre != "Pop" {
		t.Errorf("genre = %s; want inherited Pop", child.Genre)
	}
	waitForStatus(t, store, child.TaskID, storage.StatusCompleted)
}

func TestRemixOverrides(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1"}}
	o, store := newTestOrchestrator(t, music, nil)

	parent, err := o.Create(context.Background(), &Request{
		Prompt: "city nights",
		Genre:  "Pop",
		Mood:   "Happy",
		Tempo:  100,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, parent.TaskID, storage.StatusCompleted)

	child, err := o.Remix(context.Background(), parent.ID, &RemixRequest{Genre: "Jazz"})
	if err != nil {
		t.Fatalf("Remix() err = %v; want nil", err)
	}
	if child.Genre != "Jazz" {
		t.Errorf("genre = %s; want override Jazz", child.Genre)
	}
	if child.Mood != "Happy" || child.Tempo != 100 {
		t.Errorf("mood = %s tempo = %d; want inherited", child.Mood, child.Tempo)
	}
	if child.ParentType != storage.ParentRemix {
		t.Errorf("parent type = %s; want remix", child.ParentType)
	}
	waitForStatus(t, store, child.TaskID, storage.StatusCompleted)
}

func TestDeleteCleansFiles(t *testing.T) {
	music := &fakeMusic{cfg: provider.Config{Key: "acestep:v1"}}
	o, store := newTestOrchestrator(t, music, nil)

	g, err := o.Create(context.Background(), &Request{Prompt: "short lived"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, g.TaskID, storage.StatusCompleted)

	if err := o.Delete(context.Background(), g.ID); err != nil {
		t.Fatalf("Delete() err = %v; want nil", err)
	}
	if _, err := store.GetGeneration(context.Background(), g.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetGeneration() err = %v; want ErrNotFound", err)
	}
	if _, err := o.files.GetAudio(context.Background(), g.ID, "mp3"); err == nil {
		t.Error("audio file still present after delete")
	}
}

func TestFallbackCaption(t *testing.T) {
	tests := []struct {
		name         string
		prompt       string
		genre        string
		mood         string
		instruments  []string
		instrumental bool
		want         string
	}{
		{
			name:   "prompt only",
			prompt: "a song about rain",
			want:   "a song about rain",
		},
		{
			name:         "full details",
			prompt:       "a song about rain",
			genre:        "Jazz",
			mood:         "Calm",
			instruments:  []string{"Piano", "Sax"},
			instrumental: true,
			want:         "a song about rain. Jazz, calm mood, featuring Piano, Sax, purely instrumental, no vocals",
		},
		{
			name: "empty",
			want: "A polished, well-produced music track with clear mix and dynamic range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fallbackCaption(tt.prompt, tt.genre, tt.mood, tt.instruments, tt.instrumental)
			if got != tt.want {
				t.Errorf("fallbackCaption() = %q; want %q", got, tt.want)
			}
		})
	}
}
