// Package orchestrator runs the music generation pipeline: it prepares
// requests with LLM assistance, dispatches them to the routed music
// provider under a concurrency limit, tracks progress, and persists
// results and assets.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hikariwave/hikariwave/pkg/filestore"
	"github.com/hikariwave/hikariwave/pkg/llm"
	"github.com/hikariwave/hikariwave/pkg/lrc"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/sound"
	"github.com/hikariwave/hikariwave/pkg/sound/ffmpeg"
	"github.com/hikariwave/hikariwave/pkg/storage"
)

const (
	// DefaultConcurrency is how many generations run at once. Requests
	// beyond it queue until a slot frees.
	DefaultConcurrency = 2

	// DefaultTimeout bounds a single generation including queue wait.
	DefaultTimeout = 30 * time.Minute

	// maxErrorLength truncates stored provider error messages.
	maxErrorLength = 500
)

// Router resolves a music task to a provider.
type Router interface {
	Music(task string) (provider.Music, error)
}

// LLM is the slice of the language model service the pipeline needs.
// Every call through it is a soft dependency: a failure degrades the
// request instead of failing it.
type LLM interface {
	EnhancePrompt(ctx context.Context, req *llm.EnhanceRequest) (string, error)
	GenerateLyrics(ctx context.Context, req *llm.LyricsRequest) (string, error)
	FormatLyrics(ctx context.Context, lyrics string, duration float64, language string) (string, error)
	GenerateCoverPrompt(ctx context.Context, req *llm.CoverPromptRequest) (string, error)
	GenerateCoverImage(ctx context.Context, prompt string) ([]byte, error)
}

type Config struct {
	Store    *storage.Store
	Router   Router
	LLM      LLM
	Files    *filestore.Store
	Notifier Notifier

	// Concurrency and Timeout default to DefaultConcurrency and
	// DefaultTimeout when zero.
	Concurrency int
	Timeout     time.Duration
	Debug       bool
}

// Notifier receives generation state changes, typically to push them
// over websockets.
type Notifier interface {
	Notify(g *storage.Generation)
}

type Orchestrator struct {
	store    *storage.Store
	router   Router
	llm      LLM
	files    *filestore.Store
	notifier Notifier
	limiter  chan struct{}
	timeout  time.Duration
	debug    bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *Config) *Orchestrator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		store:    cfg.Store,
		router:   cfg.Router,
		llm:      cfg.LLM,
		files:    cfg.Files,
		notifier: cfg.Notifier,
		limiter:  make(chan struct{}, concurrency),
		timeout:  timeout,
		debug:    cfg.Debug,
		running:  map[string]context.CancelFunc{},
	}
}

// Request describes one generation. Zero values get smart defaults:
// duration 30s, language "en".
type Request struct {
	Prompt       string
	Duration     float64
	Genre        string
	Mood         string
	Lyrics       string
	Title        string
	Tempo        int
	MusicalKey   string
	Instruments  []string
	Language     string
	Instrumental bool
	Seed         int64

	EnhancePrompt  bool
	GenerateLyrics bool
	GenerateCover  bool

	ParentID   string
	ParentType string

	TaskType           string
	ReferenceAudioPath string
	SrcAudioPath       string
	CoverStrength      float64
	CoverNoiseStrength float64
	RepaintStart       float64
	RepaintEnd         float64
}

// Create prepares a generation, persists it as pending and dispatches
// it to a background unit. It returns as soon as the record exists;
// progress is observed through the task ID.
func (o *Orchestrator) Create(ctx context.Context, req *Request) (*storage.Generation, error) {
	if req.Prompt == "" {
		return nil, errors.New("orchestrator: prompt is required")
	}
	if req.Duration <= 0 {
		req.Duration = 30
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if req.TaskType == "" {
		req.TaskType = provider.TaskText2Music
	}

	var llmProvider string
	var enhanced string
	if req.EnhancePrompt {
		out, err := o.llm.EnhancePrompt(ctx, &llm.EnhanceRequest{
			Prompt:       req.Prompt,
			Genre:        req.Genre,
			Mood:         req.Mood,
			Instruments:  req.Instruments,
			Language:     req.Language,
			Instrumental: req.Instrumental,
		})
		if err != nil {
			log.Printf("orchestrator: prompt enhancement failed: %v\n", err)
		} else {
			enhanced = out
			llmProvider = "llm"
		}
	}

	lyrics := req.Lyrics
	if req.GenerateLyrics && lyrics == "" {
		out, err := o.llm.GenerateLyrics(ctx, &llm.LyricsRequest{
			Prompt:   req.Prompt,
			Title:    req.Title,
			Genre:    req.Genre,
			Mood:     req.Mood,
			Language: req.Language,
			Duration: req.Duration,
			Caption:  enhanced,
		})
		if err != nil {
			log.Printf("orchestrator: lyrics generation failed: %v\n", err)
		} else {
			lyrics = out
			llmProvider = "llm"
		}
	}

	// User-written lyrics get timestamped. AI-generated ones already
	// are.
	if lyrics != "" && !req.GenerateLyrics {
		out, err := o.llm.FormatLyrics(ctx, lyrics, req.Duration, req.Language)
		if err != nil {
			log.Printf("orchestrator: lyrics formatting failed, using original: %v\n", err)
		} else {
			lyrics = out
		}
	}

	instrumental := req.Instrumental
	if lyrics == "" && !instrumental {
		instrumental = true
		log.Println("orchestrator: no lyrics available, forcing instrumental mode")
	}
	if instrumental {
		lyrics = ""
	}

	caption := enhanced
	if caption == "" {
		caption = fallbackCaption(req.Prompt, req.Genre, req.Mood, req.Instruments, instrumental)
	}

	p, err := o.router.Music(req.TaskType)
	if err != nil {
		return nil, err
	}
	pcfg := p.Config()

	duration := req.Duration
	if pcfg.MaxDuration > 0 && duration > pcfg.MaxDuration {
		log.Printf("orchestrator: clamping duration %.0fs to provider maximum %.0fs\n", duration, pcfg.MaxDuration)
		duration = pcfg.MaxDuration
	}

	g := &storage.Generation{
		ID:             ulid.Make().String(),
		TaskID:         ulid.Make().String(),
		Status:         storage.StatusPending,
		Prompt:         req.Prompt,
		EnhancedPrompt: enhanced,
		Lyrics:         lyrics,
		Genre:          req.Genre,
		Mood:           req.Mood,
		Duration:       duration,
		Title:          req.Title,
		Tempo:          req.Tempo,
		MusicalKey:     req.MusicalKey,
		Instruments:    req.Instruments,
		Language:       req.Language,
		Instrumental:   instrumental,
		LLMProvider:    llmProvider,
		MusicProvider:  pcfg.Key,
		ParentType:     req.ParentType,
	}
	if req.ParentID != "" {
		parentID := req.ParentID
		g.ParentID = &parentID
	}
	if err := o.store.SetGeneration(ctx, g); err != nil {
		return nil, err
	}

	preq := &provider.Request{
		Prompt:             caption,
		Lyrics:             lyrics,
		Duration:           duration,
		Tempo:              req.Tempo,
		Key:                req.MusicalKey,
		Seed:               req.Seed,
		Language:           req.Language,
		Instrumental:       instrumental,
		TaskType:           req.TaskType,
		ReferenceAudioPath: req.ReferenceAudioPath,
		SrcAudioPath:       req.SrcAudioPath,
		CoverStrength:      req.CoverStrength,
		CoverNoiseStrength: req.CoverNoiseStrength,
		RepaintStart:       req.RepaintStart,
		RepaintEnd:         req.RepaintEnd,
	}
	o.dispatch(g.TaskID, preq, p, req.GenerateCover)
	return g, nil
}

// dispatch launches the background unit for a pending generation and
// registers its cancel handle.
func (o *Orchestrator) dispatch(taskID string, req *provider.Request, p provider.Music, generateCover bool) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[taskID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, taskID)
			o.mu.Unlock()
			cancel()
		}()

		ctx, cancelTimeout := context.WithTimeout(ctx, o.timeout)
		defer cancelTimeout()

		// The slot wait counts against the timeout.
		select {
		case o.limiter <- struct{}{}:
		case <-ctx.Done():
			o.fail(taskID, ctx.Err())
			return
		}
		defer func() { <-o.limiter }()

		if err := o.run(ctx, taskID, req, p, generateCover); err != nil {
			o.fail(taskID, err)
		}
	}()
}

// fail marks a generation as failed with a message matching how it
// ended. The store's terminal guard makes this a no-op for records
// that already completed.
func (o *Orchestrator) fail(taskID string, cause error) {
	message := cause.Error()
	progressMessage := "Generation failed"
	switch {
	case errors.Is(cause, context.Canceled):
		message = "Cancelled by user"
		progressMessage = "Cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		message = "Generation timed out"
		progressMessage = "Generation timed out"
	default:
		if len(message) > maxErrorLength {
			message = message[:maxErrorLength]
		}
	}
	log.Printf("orchestrator: generation failed: task=%s: %v\n", taskID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	zero := 0
	g, err := o.store.UpdateStatus(ctx, taskID, storage.StatusFailed, &storage.StatusUpdate{
		Progress:        &zero,
		ProgressMessage: progressMessage,
		ErrorMessage:    message,
	})
	if err != nil {
		log.Printf("orchestrator: couldn't mark generation as failed: task=%s: %v\n", taskID, err)
		return
	}
	o.notify(g)
}

func (o *Orchestrator) run(ctx context.Context, taskID string, req *provider.Request, p provider.Music, generateCover bool) error {
	if err := o.progress(ctx, taskID, 10, "Starting generation..."); err != nil {
		return err
	}
	if err := o.progress(ctx, taskID, 30, "Generating audio..."); err != nil {
		return err
	}

	resp, err := p.Generate(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Audio) == 0 {
		return errors.New("orchestrator: provider returned no audio")
	}

	g, err := o.store.GetGenerationByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	if err := o.files.SetAudio(ctx, resp.Audio, g.ID, resp.Format); err != nil {
		return fmt.Errorf("orchestrator: couldn't persist audio: %w", err)
	}
	o.tagAudio(ctx, g, req, resp.Format)

	actual := resp.Duration
	if actual == 0 {
		if d, err := sound.Duration(resp.Audio, resp.Format); err == nil {
			actual = d.Seconds()
		}
	}

	if generateCover {
		if err := o.progress(ctx, taskID, 70, "Generating cover art..."); err != nil {
			return err
		}
	}

	// Lyrics already carry LRC timestamps at this point. Both the
	// stamped and the plain form are kept as files.
	if g.Lyrics != "" {
		if err := o.files.SetLRC(ctx, []byte(g.Lyrics), g.ID); err != nil {
			log.Printf("orchestrator: couldn't save lrc file: %v\n", err)
		}
		if err := o.files.SetLyrics(ctx, []byte(lrc.ToPlain(g.Lyrics)), g.ID); err != nil {
			log.Printf("orchestrator: couldn't save lyrics file: %v\n", err)
		}
	}

	now := time.Now().UTC()
	done := 100
	g, err = o.store.UpdateStatus(ctx, taskID, storage.StatusCompleted, &storage.StatusUpdate{
		Progress:        &done,
		ProgressMessage: "Complete!",
		AudioPath:       filestore.Audio(g.ID, resp.Format),
		AudioFormat:     resp.Format,
		ActualDuration:  actual,
		LRCLyrics:       g.Lyrics,
		CompletedAt:     &now,
	})
	if err != nil {
		return err
	}
	o.notify(g)
	log.Printf("orchestrator: generation completed: task=%s\n", taskID)

	if generateCover {
		o.generateCoverArt(ctx, g)
	}
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, taskID string, progress int, message string) error {
	g, err := o.store.UpdateStatus(ctx, taskID, storage.StatusProcessing, &storage.StatusUpdate{
		Progress:        &progress,
		ProgressMessage: message,
	})
	if err != nil {
		return err
	}
	o.notify(g)
	return nil
}

func (o *Orchestrator) notify(g *storage.Generation) {
	if o.notifier == nil || g == nil {
		return
	}
	o.notifier.Notify(g)
}

// tagAudio embeds metadata tags into a locally stored audio file.
// Failures never affect the generation.
func (o *Orchestrator) tagAudio(ctx context.Context, g *storage.Generation, req *provider.Request, format string) {
	path, ok := o.files.AudioPath(g.ID, format)
	if !ok {
		return
	}
	title := g.Title
	if title == "" {
		title = truncate(req.Prompt, 50)
	}
	meta := ffmpeg.Metadata{
		Title:  title,
		Artist: "HikariWave AI",
		Album:  "HikariWave Generations",
		Lyrics: lrc.ToPlain(g.Lyrics),
	}
	if err := ffmpeg.Tag(ctx, path, path, meta); err != nil {
		log.Printf("orchestrator: couldn't tag audio: %v\n", err)
	}
}

// generateCoverArt adds cover art to a completed generation. It is a
// secondary stage: any failure is logged and the generation stays
// completed.
func (o *Orchestrator) generateCoverArt(ctx context.Context, g *storage.Generation) {
	prompt, err := o.llm.GenerateCoverPrompt(ctx, &llm.CoverPromptRequest{
		Title:  g.Title,
		Genre:  g.Genre,
		Mood:   g.Mood,
		Lyrics: g.Lyrics,
	})
	if err != nil {
		log.Printf("orchestrator: cover art prompt failed: task=%s: %v\n", g.TaskID, err)
		return
	}
	image, err := o.llm.GenerateCoverImage(ctx, prompt)
	if err != nil {
		log.Printf("orchestrator: cover art generation failed: task=%s: %v\n", g.TaskID, err)
		return
	}
	if err := o.files.SetCover(ctx, image, g.ID); err != nil {
		log.Printf("orchestrator: couldn't persist cover art: task=%s: %v\n", g.TaskID, err)
		return
	}
	updated, err := o.store.UpdateCoverArt(ctx, g.TaskID, filestore.Cover(g.ID), prompt)
	if err != nil {
		log.Printf("orchestrator: couldn't record cover art: task=%s: %v\n", g.TaskID, err)
		return
	}
	o.notify(updated)

	audioPath, ok := o.files.AudioPath(g.ID, g.AudioFormat)
	if !ok {
		return
	}
	coverPath, _ := o.files.CoverPath(g.ID)
	if err := ffmpeg.EmbedCover(ctx, audioPath, coverPath, audioPath); err != nil {
		log.Printf("orchestrator: couldn't embed cover art: %v\n", err)
	}
}

// Cancel stops a running generation. It reports false when the task is
// not tracked, either unknown or already finished.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Running reports whether a task currently has a background unit.
func (o *Orchestrator) Running(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[taskID]
	return ok
}

// Extend creates a generation that continues an existing one, copying
// the parent's style forward.
func (o *Orchestrator) Extend(ctx context.Context, id, prompt, lyrics string, duration float64) (*storage.Generation, error) {
	parent, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = parent.Prompt + " (continuation)"
	}
	if lyrics == "" {
		lyrics = parent.Lyrics
	}
	if duration <= 0 {
		duration = 30
	}
	return o.Create(ctx, &Request{
		Prompt:        prompt,
		Duration:      duration,
		Genre:         parent.Genre,
		Mood:          parent.Mood,
		Lyrics:        lyrics,
		Title:         parent.Title,
		Tempo:         parent.Tempo,
		MusicalKey:    parent.MusicalKey,
		Instruments:   parent.Instruments,
		Language:      parent.Language,
		Instrumental:  parent.Instrumental,
		EnhancePrompt: true,
		GenerateCover: true,
		ParentID:      parent.ID,
		ParentType:    storage.ParentExtend,
	})
}

// RemixRequest overrides parts of a parent generation's style. Empty
// fields inherit the parent's values.
type RemixRequest struct {
	Prompt      string
	Genre       string
	Mood        string
	Tempo       int
	MusicalKey  string
	Instruments []string
}

// Remix creates a variation of an existing generation.
func (o *Orchestrator) Remix(ctx context.Context, id string, req *RemixRequest) (*storage.Generation, error) {
	parent, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = &RemixRequest{}
	}
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	tempo := req.Tempo
	if tempo == 0 {
		tempo = parent.Tempo
	}
	instruments := req.Instruments
	if len(instruments) == 0 {
		instruments = parent.Instruments
	}
	duration := parent.Duration
	if duration <= 0 {
		duration = 30
	}
	return o.Create(ctx, &Request{
		Prompt:        pick(req.Prompt, parent.Prompt),
		Duration:      duration,
		Genre:         pick(req.Genre, parent.Genre),
		Mood:          pick(req.Mood, parent.Mood),
		Lyrics:        parent.Lyrics,
		Title:         parent.Title,
		Tempo:         tempo,
		MusicalKey:    pick(req.MusicalKey, parent.MusicalKey),
		Instruments:   instruments,
		Language:      parent.Language,
		Instrumental:  parent.Instrumental,
		EnhancePrompt: true,
		GenerateCover: true,
		ParentID:      parent.ID,
		ParentType:    storage.ParentRemix,
	})
}

// CoverRequest optionally overrides the metadata cover art is built
// from.
type CoverRequest struct {
	Title  string
	Genre  string
	Mood   string
	Lyrics string
}

// GenerateCover creates cover art for an existing generation and
// returns the stored path and the image prompt.
func (o *Orchestrator) GenerateCover(ctx context.Context, id string, req *CoverRequest) (string, string, error) {
	g, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return "", "", err
	}
	if req == nil {
		req = &CoverRequest{}
	}
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	prompt, err := o.llm.GenerateCoverPrompt(ctx, &llm.CoverPromptRequest{
		Title:  pick(req.Title, g.Title),
		Genre:  pick(req.Genre, g.Genre),
		Mood:   pick(req.Mood, g.Mood),
		Lyrics: pick(req.Lyrics, g.Lyrics),
	})
	if err != nil {
		return "", "", err
	}
	image, err := o.llm.GenerateCoverImage(ctx, prompt)
	if err != nil {
		return "", "", err
	}
	if err := o.files.SetCover(ctx, image, g.ID); err != nil {
		return "", "", err
	}
	if _, err := o.store.UpdateCoverArt(ctx, g.TaskID, filestore.Cover(g.ID), prompt); err != nil {
		return "", "", err
	}
	return filestore.Cover(g.ID), prompt, nil
}

// Delete removes a generation and cleans up its assets. File cleanup
// is best effort.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	g, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return err
	}
	if g.AudioPath != "" {
		if err := o.files.DeleteAudio(ctx, g.ID, g.AudioFormat); err != nil {
			log.Printf("orchestrator: couldn't delete audio: %v\n", err)
		}
		if err := o.files.DeleteLyrics(ctx, g.ID); err != nil {
			log.Printf("orchestrator: couldn't delete lyrics: %v\n", err)
		}
	}
	if g.CoverArtPath != "" {
		if err := o.files.DeleteCover(ctx, g.ID); err != nil {
			log.Printf("orchestrator: couldn't delete cover art: %v\n", err)
		}
	}
	return o.store.DeleteGeneration(ctx, id)
}

// RecoverStale fails records left pending or processing by a previous
// process: background units are not restart-durable.
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	n, err := o.store.FailStale(ctx, "Server restarted during generation")
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("orchestrator: recovered %d stale generations\n", n)
	}
	return nil
}

// Shutdown cancels every running generation and waits for the
// background units to finish.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Wait blocks until all background units finish, without cancelling
// them.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// fallbackCaption builds a music caption from structured fields when
// LLM enhancement is unavailable.
func fallbackCaption(prompt, genre, mood string, instruments []string, instrumental bool) string {
	var sentences []string
	if prompt != "" {
		sentences = append(sentences, prompt)
	}
	var details []string
	if genre != "" {
		details = append(details, strings.ToLower(genre))
	}
	if mood != "" {
		details = append(details, strings.ToLower(mood)+" mood")
	}
	if len(instruments) > 0 {
		details = append(details, "featuring "+strings.Join(instruments, ", "))
	}
	if instrumental {
		details = append(details, "purely instrumental, no vocals")
	}
	if len(details) > 0 {
		sentences = append(sentences, capitalize(strings.Join(details, ", ")))
	}
	if len(sentences) == 0 {
		return "A polished, well-produced music track with clear mix and dynamic range"
	}
	return strings.Join(sentences, ". ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
