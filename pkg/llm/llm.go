// Package llm wraps every LLM-powered feature of the service: prompt
// enhancement, lyric writing and formatting, style analysis, titles
// and cover art. Providers only transport chat calls; the domain
// prompts live here.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/hikariwave/hikariwave/pkg/lrc"
	"github.com/hikariwave/hikariwave/pkg/provider"
)

// minLyricLines is the floor below which a lyric document is rejected
// and regenerated.
const minLyricLines = 5

// maxLyricAttempts bounds the self-correction loop for lyric
// generation.
const maxLyricAttempts = 3

// Router resolves an LLM task name to a provider and model.
type Router interface {
	LLM(task string) (provider.LLM, string, error)
}

type Service struct {
	router Router
	debug  bool
}

func New(router Router, debug bool) *Service {
	return &Service{router: router, debug: debug}
}

func (s *Service) chat(ctx context.Context, task, system, user string, opts *provider.ChatOptions) (string, error) {
	p, model, err := s.router.LLM(task)
	if err != nil {
		return "", err
	}
	if !p.Loaded() {
		if err := p.Load(ctx); err != nil {
			return "", fmt.Errorf("llm: couldn't load provider for task %q: %w", task, err)
		}
	}
	return p.Chat(ctx, model, system, user, opts)
}

// LyricsRequest describes the song a lyric document is written for.
type LyricsRequest struct {
	Prompt   string
	Title    string
	Genre    string
	Mood     string
	Language string
	Duration float64
	Caption  string
}

// GenerateLyrics writes a timestamped LRC lyric document. Output that
// fails validation is fed back to the model with the rejection reason,
// up to a bounded number of attempts.
func (s *Service) GenerateLyrics(ctx context.Context, req *LyricsRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write song lyrics about: %s\n", req.Prompt)
	fmt.Fprintf(&b, "Duration: %d seconds\n", int(req.Duration))
	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Title)
	}
	if req.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", req.Genre)
	}
	if req.Mood != "" {
		fmt.Fprintf(&b, "Mood: %s\n", req.Mood)
	}
	fmt.Fprintf(&b, "Language: %s\n", req.Language)
	if req.Caption != "" {
		fmt.Fprintf(&b, "\nMusic caption (use this for stylistic context):\n%s\n", req.Caption)
	}
	fmt.Fprintf(&b, "\nTotal song duration: %d seconds. Decide structure, intro length, and pacing yourself based on the genre and mood.", int(req.Duration))
	return s.generateLRC(ctx, lyricsSystemPrompt, b.String())
}

// FormatLyrics converts user-written lyrics into a timestamped LRC
// document without changing their content.
func (s *Service) FormatLyrics(ctx context.Context, lyrics string, duration float64, language string) (string, error) {
	user := fmt.Sprintf("Format the following lyrics and add timestamps:\n\n%s\n\nDuration: %d seconds\nLanguage: %s",
		lyrics, int(duration), language)
	return s.generateLRC(ctx, lyricsFormatSystemPrompt, user)
}

func (s *Service) generateLRC(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxLyricAttempts; attempt++ {
		content := user
		if lastErr != nil {
			content = fmt.Sprintf("%s\n\nYour previous attempt was rejected: %v\nFix the problem and output only valid LRC lines.", user, lastErr)
		}
		raw, err := s.chat(ctx, "lyrics", system, content, nil)
		if err != nil {
			return "", err
		}
		clean, err := lrc.Validate(raw, minLyricLines)
		if err == nil {
			return clean, nil
		}
		lastErr = err
		if s.debug {
			log.Printf("llm: lyric attempt %d rejected: %v\n", attempt+1, err)
		}
	}
	return "", fmt.Errorf("llm: couldn't generate valid lyrics after %d attempts: %w", maxLyricAttempts, lastErr)
}

// EnhanceRequest describes the track a music caption is written for.
type EnhanceRequest struct {
	Prompt       string
	Genre        string
	Mood         string
	Instruments  []string
	Language     string
	Instrumental bool
}

// EnhancePrompt turns a short user idea into a detailed music caption
// for the generation model.
func (s *Service) EnhancePrompt(ctx context.Context, req *EnhanceRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a detailed music caption for: %s", req.Prompt)
	if req.Genre != "" {
		fmt.Fprintf(&b, "\nGenre: %s", req.Genre)
	}
	if req.Mood != "" {
		fmt.Fprintf(&b, "\nMood: %s", req.Mood)
	}
	if len(req.Instruments) > 0 {
		fmt.Fprintf(&b, "\nInstruments: %s", strings.Join(req.Instruments, ", "))
	}
	switch strings.ToLower(req.Language) {
	case "zh", "chinese":
		b.WriteString("\nVocal language: Chinese")
	case "ja", "japanese":
		b.WriteString("\nVocal language: Japanese")
	case "ko", "korean":
		b.WriteString("\nVocal language: Korean")
	}
	if req.Instrumental {
		b.WriteString("\nThis is an instrumental track, no vocals.")
	}
	out, err := s.chat(ctx, "enhancement", enhancementSystemPrompt, b.String(), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// StyleSuggestion is the structured style analysis for a song theme.
type StyleSuggestion struct {
	Genres          []string `json:"genres"`
	Moods           []string `json:"moods"`
	Tempo           int      `json:"tempo,omitempty"`
	MusicalKey      string   `json:"musical_key,omitempty"`
	Instruments     []string `json:"instruments"`
	TitleSuggestion string   `json:"title_suggestion,omitempty"`
	References      []string `json:"references"`
}

// SuggestStyle analyzes a theme or lyrics and proposes style
// parameters. A malformed model response degrades to empty defaults
// instead of failing the call.
func (s *Service) SuggestStyle(ctx context.Context, prompt string) (*StyleSuggestion, error) {
	raw, err := s.chat(ctx, "suggestion", styleSuggestionSystemPrompt, prompt, &provider.ChatOptions{Temperature: 0.7})
	if err != nil {
		return nil, err
	}
	var suggestion StyleSuggestion
	if err := json.Unmarshal([]byte(stripFences(raw)), &suggestion); err != nil {
		log.Println("llm: couldn't parse style suggestion, returning defaults")
		return &StyleSuggestion{}, nil
	}
	return &suggestion, nil
}

// TitleRequest holds the context a title is generated from.
type TitleRequest struct {
	Prompt string
	Lyrics string
	Genre  string
	Mood   string
}

// GenerateTitle produces a single song title.
func (s *Service) GenerateTitle(ctx context.Context, req *TitleRequest) (string, error) {
	parts := []string{"Generate a song title based on the following:"}
	if req.Prompt != "" {
		parts = append(parts, fmt.Sprintf("Theme: %s", req.Prompt))
	}
	if req.Lyrics != "" {
		parts = append(parts, fmt.Sprintf("Lyrics:\n%s", truncate(req.Lyrics, 500)))
	}
	if req.Genre != "" {
		parts = append(parts, fmt.Sprintf("Genre: %s", req.Genre))
	}
	if req.Mood != "" {
		parts = append(parts, fmt.Sprintf("Mood: %s", req.Mood))
	}
	title, err := s.chat(ctx, "suggestion", titleSystemPrompt, strings.Join(parts, "\n"), &provider.ChatOptions{Temperature: 0.9})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(title), "\"'"), nil
}

// StyleReference is the analysis of a reference song or style
// description.
type StyleReference struct {
	Caption     string   `json:"caption"`
	Genre       string   `json:"genre,omitempty"`
	Mood        string   `json:"mood,omitempty"`
	Tempo       int      `json:"tempo,omitempty"`
	MusicalKey  string   `json:"musical_key,omitempty"`
	Instruments []string `json:"instruments"`
}

// AnalyzeStyleReference turns a reference description into a caption
// plus structured style parameters. When the model doesn't return
// JSON, the raw text is kept as the caption.
func (s *Service) AnalyzeStyleReference(ctx context.Context, description string) (*StyleReference, error) {
	raw, err := s.chat(ctx, "enhancement", styleReferenceSystemPrompt, description, &provider.ChatOptions{Temperature: 0.7})
	if err != nil {
		return nil, err
	}
	raw = strings.TrimSpace(raw)
	var ref StyleReference
	if err := json.Unmarshal([]byte(stripFences(raw)), &ref); err != nil {
		log.Println("llm: couldn't parse style reference, keeping caption only")
		return &StyleReference{Caption: raw}, nil
	}
	if ref.Caption == "" {
		ref.Caption = raw
	}
	return &ref, nil
}

// CoverPromptRequest holds the song metadata a cover art prompt is
// built from.
type CoverPromptRequest struct {
	Title  string
	Genre  string
	Mood   string
	Lyrics string
}

// GenerateCoverPrompt writes an image generation prompt for the album
// cover.
func (s *Service) GenerateCoverPrompt(ctx context.Context, req *CoverPromptRequest) (string, error) {
	parts := []string{"Generate an album cover art prompt for:"}
	if req.Title != "" {
		parts = append(parts, fmt.Sprintf("Title: %s", req.Title))
	}
	if req.Genre != "" {
		parts = append(parts, fmt.Sprintf("Genre: %s", req.Genre))
	}
	if req.Mood != "" {
		parts = append(parts, fmt.Sprintf("Mood: %s", req.Mood))
	}
	if req.Lyrics != "" {
		parts = append(parts, fmt.Sprintf("Lyrics excerpt:\n%s", truncate(req.Lyrics, 300)))
	}
	out, err := s.chat(ctx, "cover_art", coverArtSystemPrompt, strings.Join(parts, "\n"), &provider.ChatOptions{Temperature: 0.8})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GenerateCoverImage renders cover art for an image prompt and returns
// the PNG bytes.
func (s *Service) GenerateCoverImage(ctx context.Context, prompt string) ([]byte, error) {
	p, model, err := s.router.LLM("cover_art")
	if err != nil {
		return nil, err
	}
	if !p.Loaded() {
		if err := p.Load(ctx); err != nil {
			return nil, fmt.Errorf("llm: couldn't load cover art provider: %w", err)
		}
	}
	return p.Image(ctx, model, prompt)
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
