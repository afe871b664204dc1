package serve

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/hikariwave/hikariwave/pkg/orchestrator"
)

// uploadDir receives reference and source audio uploads. Providers
// read them by path, so uploads stay on the local filesystem rather
// than going through the file store.
var uploadDir = filepath.Join(os.TempDir(), "hikariwave_uploads")

var allowedAudioExts = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
}

// generateMusicWithAudio is the multipart variant of generateMusic: it
// accepts the same fields as form values plus optional reference_audio
// and src_audio file streams for the cover and repaint task kinds.
func (a *api) generateMusicWithAudio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}
	prompt := r.FormValue("prompt")
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "prompt is required"})
		return
	}
	req := &orchestrator.Request{
		Prompt:             prompt,
		Duration:           formFloat(r, "duration"),
		Genre:              r.FormValue("genre"),
		Mood:               r.FormValue("mood"),
		Lyrics:             r.FormValue("lyrics"),
		Title:              r.FormValue("title"),
		Tempo:              formInt(r, "tempo"),
		MusicalKey:         r.FormValue("musical_key"),
		Instruments:        parseInstruments(r.FormValue("instruments")),
		Language:           r.FormValue("language"),
		Instrumental:       formBool(r, "instrumental", false),
		Seed:               int64(formInt(r, "seed")),
		EnhancePrompt:      formBool(r, "enhance_prompt", true),
		GenerateLyrics:     formBool(r, "generate_lyrics", false),
		GenerateCover:      formBool(r, "generate_cover", true),
		TaskType:           r.FormValue("task_type"),
		CoverStrength:      formFloat(r, "audio_cover_strength"),
		CoverNoiseStrength: formFloat(r, "cover_noise_strength"),
		RepaintStart:       formFloat(r, "repainting_start"),
		RepaintEnd:         formFloat(r, "repainting_end"),
	}
	for _, f := range []struct {
		field string
		dst   *string
	}{
		{"reference_audio", &req.ReferenceAudioPath},
		{"src_audio", &req.SrcAudioPath},
	} {
		_, fh, err := r.FormFile(f.field)
		if err == http.ErrMissingFile {
			continue
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("invalid %s upload: %v", f.field, err)})
			return
		}
		path, err := saveUpload(fh)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		*f.dst = path
	}
	g, err := a.orchestrator.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: g.TaskID, Status: g.Status})
}

func saveUpload(fh *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedAudioExts[ext] {
		return "", fmt.Errorf("unsupported audio format: %s", ext)
	}
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return "", fmt.Errorf("couldn't create upload directory: %w", err)
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("couldn't read upload: %w", err)
	}
	defer src.Close()
	dest := filepath.Join(uploadDir, ulid.Make().String()+ext)
	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("couldn't save upload: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("couldn't save upload: %w", err)
	}
	return dest, nil
}

// parseInstruments accepts a JSON array or a comma separated list.
func parseInstruments(s string) []string {
	if s == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formFloat(r *http.Request, name string) float64 {
	v, _ := strconv.ParseFloat(r.FormValue(name), 64)
	return v
}

func formInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.FormValue(name))
	return v
}

func formBool(r *http.Request, name string, def bool) bool {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
