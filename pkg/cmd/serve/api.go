package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hikariwave/hikariwave/pkg/config"
	"github.com/hikariwave/hikariwave/pkg/filestore"
	"github.com/hikariwave/hikariwave/pkg/llm"
	"github.com/hikariwave/hikariwave/pkg/orchestrator"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/provider/registry"
	"github.com/hikariwave/hikariwave/pkg/storage"
)

// settingProvidersPath records the provider config file last written
// through the admin endpoints.
const settingProvidersPath = "providers_path"

type api struct {
	store         *storage.Store
	files         *filestore.Store
	registry      *registry.Registry
	llm           *llm.Service
	orchestrator  *orchestrator.Orchestrator
	hub           *hub
	providersPath string
}

func (a *api) routes(r chi.Router) {
	r.Post("/api/generate/music", a.generateMusic)
	r.Post("/api/generate/music-with-audio", a.generateMusicWithAudio)
	r.Post("/api/generate/extend", a.extend)
	r.Post("/api/generate/remix", a.remix)
	r.Post("/api/generate/lyrics", a.generateLyrics)
	r.Post("/api/generate/enhance-prompt", a.enhancePrompt)
	r.Post("/api/generate/suggest-style", a.suggestStyle)
	r.Post("/api/generate/title", a.generateTitle)
	r.Post("/api/generate/analyze-style", a.analyzeStyle)
	r.Post("/api/generate/cover-art", a.coverArt)

	r.Get("/api/tasks/{taskID}", a.taskStatus)
	r.Get("/api/tasks/{taskID}/result", a.taskResult)
	r.Post("/api/tasks/{taskID}/cancel", a.taskCancel)

	r.Get("/api/generations", a.listGenerations)
	r.Get("/api/generations/{id}", a.getGeneration)
	r.Delete("/api/generations/{id}", a.deleteGeneration)
	r.Post("/api/generations/{id}/toggle-like", a.toggleLike)

	r.Get("/api/audio/{id}", a.audio)
	r.Get("/api/covers/{id}", a.cover)

	r.Get("/api/providers/music", a.listMusicProviders)
	r.Get("/api/providers/llm", a.listLLMProviders)
	r.Get("/api/providers/music/config", a.getMusicConfig)
	r.Put("/api/providers/music/config", a.putMusicConfig)
	r.Get("/api/providers/llm/config", a.getLLMConfig)
	r.Put("/api/providers/llm/config", a.putLLMConfig)
}

// generationResponse is the wire form of a generation record.
type generationResponse struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Status          string     `json:"status"`
	Prompt          string     `json:"prompt"`
	EnhancedPrompt  string     `json:"enhanced_prompt,omitempty"`
	Lyrics          string     `json:"lyrics,omitempty"`
	LRCLyrics       string     `json:"lrc_lyrics,omitempty"`
	Genre           string     `json:"genre,omitempty"`
	Mood            string     `json:"mood,omitempty"`
	Duration        float64    `json:"duration"`
	Title           string     `json:"title,omitempty"`
	Tempo           int        `json:"tempo,omitempty"`
	MusicalKey      string     `json:"musical_key,omitempty"`
	Instruments     []string   `json:"instruments,omitempty"`
	Language        string     `json:"language"`
	Instrumental    bool       `json:"instrumental"`
	LLMProvider     string     `json:"llm_provider,omitempty"`
	MusicProvider   string     `json:"music_provider"`
	AudioPath       string     `json:"audio_path,omitempty"`
	AudioFormat     string     `json:"audio_format"`
	ActualDuration  float64    `json:"actual_duration,omitempty"`
	CoverArtPath    string     `json:"cover_art_path,omitempty"`
	CoverArtPrompt  string     `json:"cover_art_prompt,omitempty"`
	ParentID        string     `json:"parent_id,omitempty"`
	ParentType      string     `json:"parent_type,omitempty"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	IsLiked         bool       `json:"is_liked"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toResponse(g *storage.Generation) *generationResponse {
	resp := &generationResponse{
		ID:              g.ID,
		TaskID:          g.TaskID,
		Status:          g.Status,
		Prompt:          g.Prompt,
		EnhancedPrompt:  g.EnhancedPrompt,
		Lyrics:          g.Lyrics,
		LRCLyrics:       g.LRCLyrics,
		Genre:           g.Genre,
		Mood:            g.Mood,
		Duration:        g.Duration,
		Title:           g.Title,
		Tempo:           g.Tempo,
		MusicalKey:      g.MusicalKey,
		Instruments:     g.Instruments,
		Language:        g.Language,
		Instrumental:    g.Instrumental,
		LLMProvider:     g.LLMProvider,
		MusicProvider:   g.MusicProvider,
		AudioPath:       g.AudioPath,
		AudioFormat:     g.AudioFormat,
		ActualDuration:  g.ActualDuration,
		CoverArtPath:    g.CoverArtPath,
		CoverArtPrompt:  g.CoverArtPrompt,
		ParentType:      g.ParentType,
		Progress:        g.Progress,
		ProgressMessage: g.ProgressMessage,
		IsLiked:         g.IsLiked,
		ErrorMessage:    g.ErrorMessage,
		CreatedAt:       g.CreatedAt,
		CompletedAt:     g.CompletedAt,
	}
	if g.ParentID != nil {
		resp.ParentID = *g.ParentID
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("serve: couldn't encode response:", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
	case errors.Is(err, registry.ErrRouteUnresolved),
		errors.Is(err, provider.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": err.Error()})
	case errors.Is(err, provider.ErrOutOfResources):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": err.Error()})
	default:
		log.Println("serve: request failed:", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

type generateRequest struct {
	Prompt       string   `json:"prompt"`
	Duration     float64  `json:"duration"`
	Genre        string   `json:"genre"`
	Mood         string   `json:"mood"`
	Lyrics       string   `json:"lyrics"`
	Title        string   `json:"title"`
	Tempo        int      `json:"tempo"`
	MusicalKey   string   `json:"musical_key"`
	Instruments  []string `json:"instruments"`
	Language     string   `json:"language"`
	Instrumental bool     `json:"instrumental"`
	Seed         int64    `json:"seed"`

	EnhancePrompt  *bool `json:"enhance_prompt"`
	GenerateLyrics bool  `json:"generate_lyrics"`
	GenerateCover  *bool `json:"generate_cover"`

	TaskType           string  `json:"task_type"`
	ReferenceAudioPath string  `json:"reference_audio_path"`
	SrcAudioPath       string  `json:"src_audio_path"`
	CoverStrength      float64 `json:"audio_cover_strength"`
	CoverNoiseStrength float64 `json:"cover_noise_strength"`
	RepaintStart       float64 `json:"repainting_start"`
	RepaintEnd         float64 `json:"repainting_end"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (a *api) generateMusic(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "prompt is required"})
		return
	}
	// Enhancement and cover art default to on.
	enhance := req.EnhancePrompt == nil || *req.EnhancePrompt
	cover := req.GenerateCover == nil || *req.GenerateCover
	g, err := a.orchestrator.Create(r.Context(), &orchestrator.Request{
		Prompt:             req.Prompt,
		Duration:           req.Duration,
		Genre:              req.Genre,
		Mood:               req.Mood,
		Lyrics:             req.Lyrics,
		Title:              req.Title,
		Tempo:              req.Tempo,
		MusicalKey:         req.MusicalKey,
		Instruments:        req.Instruments,
		Language:           req.Language,
		Instrumental:       req.Instrumental,
		Seed:               req.Seed,
		EnhancePrompt:      enhance,
		GenerateLyrics:     req.GenerateLyrics,
		GenerateCover:      cover,
		TaskType:           req.TaskType,
		ReferenceAudioPath: req.ReferenceAudioPath,
		SrcAudioPath:       req.SrcAudioPath,
		CoverStrength:      req.CoverStrength,
		CoverNoiseStrength: req.CoverNoiseStrength,
		RepaintStart:       req.RepaintStart,
		RepaintEnd:         req.RepaintEnd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: g.TaskID, Status: g.Status})
}

func (a *api) extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GenerationID string  `json:"generation_id"`
		Prompt       string  `json:"prompt"`
		Lyrics       string  `json:"lyrics"`
		Duration     float64 `json:"duration"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := a.orchestrator.Extend(r.Context(), req.GenerationID, req.Prompt, req.Lyrics, req.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: g.TaskID, Status: g.Status})
}

func (a *api) remix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GenerationID string   `json:"generation_id"`
		Prompt       string   `json:"prompt"`
		Genre        string   `json:"genre"`
		Mood         string   `json:"mood"`
		Tempo        int      `json:"tempo"`
		MusicalKey   string   `json:"musical_key"`
		Instruments  []string `json:"instruments"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := a.orchestrator.Remix(r.Context(), req.GenerationID, &orchestrator.RemixRequest{
		Prompt:      req.Prompt,
		Genre:       req.Genre,
		Mood:        req.Mood,
		Tempo:       req.Tempo,
		MusicalKey:  req.MusicalKey,
		Instruments: req.Instruments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: g.TaskID, Status: g.Status})
}

func (a *api) generateLyrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   string  `json:"prompt"`
		Title    string  `json:"title"`
		Genre    string  `json:"genre"`
		Mood     string  `json:"mood"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if req.Duration <= 0 {
		req.Duration = 240
	}
	lyrics, err := a.llm.GenerateLyrics(r.Context(), &llm.LyricsRequest{
		Prompt:   req.Prompt,
		Title:    req.Title,
		Genre:    req.Genre,
		Mood:     req.Mood,
		Language: req.Language,
		Duration: req.Duration,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"lyrics": lyrics,
		"genre":  req.Genre,
		"mood":   req.Mood,
	})
}

func (a *api) enhancePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Genre  string `json:"genre"`
		Mood   string `json:"mood"`
	}
	if !decode(w, r, &req) {
		return
	}
	enhanced, err := a.llm.EnhancePrompt(r.Context(), &llm.EnhanceRequest{
		Prompt: req.Prompt,
		Genre:  req.Genre,
		Mood:   req.Mood,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"original_prompt": req.Prompt,
		"enhanced_prompt": enhanced,
	})
}

func (a *api) suggestStyle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decode(w, r, &req) {
		return
	}
	suggestion, err := a.llm.SuggestStyle(r.Context(), req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": suggestion})
}

func (a *api) generateTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Lyrics string `json:"lyrics"`
		Genre  string `json:"genre"`
		Mood   string `json:"mood"`
	}
	if !decode(w, r, &req) {
		return
	}
	title, err := a.llm.GenerateTitle(r.Context(), &llm.TitleRequest{
		Prompt: req.Prompt,
		Lyrics: req.Lyrics,
		Genre:  req.Genre,
		Mood:   req.Mood,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (a *api) analyzeStyle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if !decode(w, r, &req) {
		return
	}
	ref, err := a.llm.AnalyzeStyleReference(r.Context(), req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (a *api) coverArt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GenerationID string `json:"generation_id"`
		Title        string `json:"title"`
		Genre        string `json:"genre"`
		Mood         string `json:"mood"`
		Lyrics       string `json:"lyrics"`
	}
	if !decode(w, r, &req) {
		return
	}
	path, prompt, err := a.orchestrator.GenerateCover(r.Context(), req.GenerationID, &orchestrator.CoverRequest{
		Title:  req.Title,
		Genre:  req.Genre,
		Mood:   req.Mood,
		Lyrics: req.Lyrics,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"cover_art_path": path,
		"prompt_used":    prompt,
	})
}

func (a *api) taskStatus(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GetGenerationByTaskID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(g))
}

func (a *api) taskResult(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GetGenerationByTaskID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !g.Terminal() {
		writeJSON(w, http.StatusAccepted, map[string]string{"detail": "Task still processing"})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(g))
}

func (a *api) taskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := a.store.GetGenerationByTaskID(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	if !a.orchestrator.Cancel(taskID) {
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "Task is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Task cancellation requested"})
}

func (a *api) listGenerations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &storage.ListOptions{
		Search:  q.Get("search"),
		Genre:   q.Get("genre"),
		Mood:    q.Get("mood"),
		Status:  q.Get("status"),
		Sort:    q.Get("sort"),
		SortDir: q.Get("sort_dir"),
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		opts.Offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 200 {
		opts.Limit = v
	}
	if v := q.Get("is_liked"); v != "" {
		liked := v == "true"
		opts.IsLiked = &liked
	}
	items, total, err := a.store.ListGenerations(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*generationResponse, 0, len(items))
	for _, g := range items {
		out = append(out, toResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": out,
		"total": total,
	})
}

func (a *api) getGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(g))
}

func (a *api) deleteGeneration(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "deleted"})
}

func (a *api) toggleLike(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	liked, err := a.store.ToggleLike(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation_id": id,
		"is_liked":      liked,
	})
}

func (a *api) audio(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if g.AudioPath == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "audio not available"})
		return
	}
	b, err := a.files.GetAudio(r.Context(), g.ID, g.AudioFormat)
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := "audio/wav"
	if g.AudioFormat == "mp3" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", g.AudioPath))
	_, _ = w.Write(b)
}

func (a *api) cover(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if g.CoverArtPath == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "cover art not available"})
		return
	}
	b, err := a.files.GetCover(r.Context(), g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(b)
}

func (a *api) listMusicProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": a.registry.ListMusic()})
}

func (a *api) listLLMProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": a.registry.ListLLM()})
}

func (a *api) getMusicConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(a.providersPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Music)
}

func (a *api) getLLMConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(a.providersPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.LLM)
}

// putMusicConfig replaces the music provider declarations, persists
// them and re-inits the registry atomically.
func (a *api) putMusicConfig(w http.ResponseWriter, r *http.Request) {
	a.putConfig(w, r, func(cfg *config.Config, section config.Section) {
		cfg.Music = section
	})
}

func (a *api) putLLMConfig(w http.ResponseWriter, r *http.Request) {
	a.putConfig(w, r, func(cfg *config.Config, section config.Section) {
		cfg.LLM = section
	})
}

func (a *api) putConfig(w http.ResponseWriter, r *http.Request, apply func(*config.Config, config.Section)) {
	var section config.Section
	if !decode(w, r, &section) {
		return
	}
	cfg, err := config.Load(a.providersPath)
	if err != nil {
		writeError(w, err)
		return
	}
	apply(cfg, section)
	if err := a.registry.Init(r.Context(), cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if err := config.Save(a.providersPath, cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.SetSetting(r.Context(), &storage.Setting{ID: settingProvidersPath, Value: a.providersPath}); err != nil {
		log.Println("serve: couldn't record config path:", err)
	}
	writeJSON(w, http.StatusOK, section)
}
