package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hikariwave/hikariwave/pkg/config"
	"github.com/hikariwave/hikariwave/pkg/filestore"
	"github.com/hikariwave/hikariwave/pkg/llm"
	"github.com/hikariwave/hikariwave/pkg/orchestrator"
	"github.com/hikariwave/hikariwave/pkg/provider"
	"github.com/hikariwave/hikariwave/pkg/provider/registry"
	"github.com/hikariwave/hikariwave/pkg/storage"
)

type fakeMusic struct {
	cfg     provider.Config
	proceed chan struct{}
	loaded  bool

	lck     sync.Mutex
	lastReq *provider.Request
}

func (f *fakeMusic) Load(ctx context.Context) error { f.loaded = true; return nil }

func (f *fakeMusic) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.lck.Lock()
	f.lastReq = req
	f.lck.Unlock()
	if f.proceed != nil {
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &provider.Response{Audio: []byte("audio"), Format: "mp3", Duration: 3}, nil
}

func (f *fakeMusic) last() *provider.Request {
	f.lck.Lock()
	defer f.lck.Unlock()
	return f.lastReq
}

func (f *fakeMusic) Unload(ctx context.Context) error     { f.loaded = false; return nil }
func (f *fakeMusic) HealthCheck(ctx context.Context) bool { return true }
func (f *fakeMusic) Loaded() bool                         { return f.loaded }
func (f *fakeMusic) Downloaded() bool                     { return true }
func (f *fakeMusic) Config() provider.Config              { return f.cfg }

type fakeLLM struct {
	cfg provider.Config
}

func (f *fakeLLM) Load(ctx context.Context) error { return nil }

func (f *fakeLLM) Chat(ctx context.Context, model, system, user string, opts *provider.ChatOptions) (string, error) {
	if strings.Contains(system, "LRC format") {
		return "[00:10.00]line one here\n[00:14.00]line two here\n[00:18.00]line three here\n[00:22.00]line four here\n[00:26.00]line five here", nil
	}
	return "A lush, detailed caption", nil
}

func (f *fakeLLM) Image(ctx context.Context, model, prompt string) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeLLM) Unload(ctx context.Context) error     { return nil }
func (f *fakeLLM) HealthCheck(ctx context.Context) bool { return true }
func (f *fakeLLM) Loaded() bool                         { return true }
func (f *fakeLLM) Config() provider.Config              { return f.cfg }

func newTestAPI(t *testing.T, music *fakeMusic) (*api, *httptest.Server) {
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

	reg := registry.New(&registry.Config{
		MusicFactories: map[registry.Key]registry.MusicFactory{
			{Kind: "fake"}: func(pc provider.Config, client *http.Client) provider.Music {
				music.cfg = pc
				return music
			},
		},
		LLMFactories: map[registry.Key]registry.LLMFactory{
			{Kind: "fake"}: func(pc provider.Config, client *http.Client) provider.LLM {
				return &fakeLLM{cfg: pc}
			},
		},
	})
	pcfg := &config.Config{
		Music: config.Section{
			Providers: []config.Provider{{
				Name: "fake", Type: "fake",
				Models: []config.Model{{Name: "v1"}},
			}},
			Router: map[string]string{"default": "fake:v1"},
		},
		LLM: config.Section{
			Providers: []config.Provider{{
				Name: "fakellm", Type: "fake",
				Models: []config.Model{{Name: "chat"}},
			}},
			Router: map[string]string{"default": "fakellm:chat"},
		},
	}
	if err := reg.Init(ctx, pcfg); err != nil {
		t.Fatal(err)
	}

	llmSvc := llm.New(reg, false)
	h := newHub()
	orch := orchestrator.New(&orchestrator.Config{
		Store:    store,
		Router:   reg,
		LLM:      llmSvc,
		Files:    files,
		Notifier: h,
	})
	t.Cleanup(orch.Shutdown)

	a := &api{
		store:         store,
		files:         files,
		registry:      reg,
		llm:           llmSvc,
		orchestrator:  orch,
		hub:           h,
		providersPath: filepath.Join(t.TempDir(), "config.yaml"),
	}
	mux := chi.NewRouter()
	a.routes(mux)
	mux.Get("/ws/tasks/{taskID}", a.taskStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func startGeneration(t *testing.T, srv *httptest.Server, body map[string]interface{}) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/generate/music", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d; want 200", resp.StatusCode)
	}
	var task struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &task)
	if task.TaskID == "" || task.Status != storage.StatusPending {
		t.Fatalf("task = %+v; want pending with id", task)
	}
	return task.TaskID
}

func pollUntil(t *testing.T, srv *httptest.Server, taskID, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/tasks/%s", srv.URL, taskID))
		if err != nil {
			t.Fatal(err)
		}
		var got struct {
			Status string `json:"status"`
		}
		decodeBody(t, resp, &got)
		if got.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, status)
}

func TestGenerateAndPoll(t *testing.T) {
	_, srv := newTestAPI(t, &fakeMusic{})
	taskID := startGeneration(t, srv, map[string]interface{}{
		"prompt":         "a quiet piano piece",
		"generate_cover": false,
	})
	pollUntil(t, srv, taskID, storage.StatusCompleted)

	resp, err := http.Get(fmt.Sprintf("%s/api/tasks/%s/result", srv.URL, taskID))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d; want 200", resp.StatusCode)
	}
	var got struct {
		ID          string  `json:"id"`
		AudioPath   string  `json:"audio_path"`
		AudioFormat string  `json:"audio_format"`
		Duration    float64 `json:"actual_duration"`
	}
	decodeBody(t, resp, &got)
	if got.AudioPath == "" || got.AudioFormat != "mp3" {
		t.Errorf("result = %+v; want audio path and format", got)
	}

	audio, err := http.Get(fmt.Sprintf("%s/api/audio/%s", srv.URL, got.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer audio.Body.Close()
	if audio.StatusCode != http.StatusOK {
		t.Errorf("audio status = %d; want 200", audio.StatusCode)
	}
	if ct := audio.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("audio content type = %s; want audio/mpeg", ct)
	}
}

func TestResultAcceptedWhileRunning(t *testing.T) {
	music := &fakeMusic{proceed: make(chan struct{})}
	_, srv := newTestAPI(t, music)
	taskID := startGeneration(t, srv, map[string]interface{}{
		"prompt":         "slow burner",
		"generate_cover": false,
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("%s/api/tasks/%s/result", srv.URL, taskID))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("result status = %d; want 202 while running", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(music.proceed)
	pollUntil(t, srv, taskID, storage.StatusCompleted)
}

func TestCancelFlow(t *testing.T) {
	music := &fakeMusic{proceed: make(chan struct{})}
	_, srv := newTestAPI(t, music)

	// Unknown task: 404.
	resp := postJSON(t, srv.URL+"/api/tasks/nope/cancel", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d; want 404", resp.StatusCode)
	}

	taskID := startGeneration(t, srv, map[string]interface{}{
		"prompt":         "doomed",
		"generate_cover": false,
	})
	resp = postJSON(t, fmt.Sprintf("%s/api/tasks/%s/cancel", srv.URL, taskID), map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d; want 200", resp.StatusCode)
	}
	pollUntil(t, srv, taskID, storage.StatusFailed)

	// A terminal task is no longer running: 409.
	resp = postJSON(t, fmt.Sprintf("%s/api/tasks/%s/cancel", srv.URL, taskID), map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel terminal status = %d; want 409", resp.StatusCode)
	}
}

func TestListAndLike(t *testing.T) {
	_, srv := newTestAPI(t, &fakeMusic{})
	taskID := startGeneration(t, srv, map[string]interface{}{
		"prompt":         "likeable tune",
		"genre":          "Pop",
		"generate_cover": false,
	})
	pollUntil(t, srv, taskID, storage.StatusCompleted)

	resp, err := http.Get(srv.URL + "/api/generations?genre=pop")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Total int64 `json:"total"`
	}
	decodeBody(t, resp, &list)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("list = %+v; want one item", list)
	}

	resp = postJSON(t, fmt.Sprintf("%s/api/generations/%s/toggle-like", srv.URL, list.Items[0].ID), map[string]string{})
	var like struct {
		IsLiked bool `json:"is_liked"`
	}
	decodeBody(t, resp, &like)
	if !like.IsLiked {
		t.Error("is_liked = false; want true after first toggle")
	}
}

func TestGenerateWithAudioUpload(t *testing.T) {
	music := &fakeMusic{}
	_, srv := newTestAPI(t, music)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("prompt", "acoustic cover of a folk song")
	mw.WriteField("task_type", provider.TaskCover)
	mw.WriteField("instrumental", "true")
	mw.WriteField("generate_cover", "false")
	mw.WriteField("instruments", "guitar, cello")
	part, err := mw.CreateFormFile("src_audio", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("wav bytes"))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/generate/music-with-audio", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var task struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, resp, &task)
	pollUntil(t, srv, task.TaskID, storage.StatusCompleted)

	req := music.last()
	if req == nil {
		t.Fatal("provider never received a request")
	}
	if req.TaskType != provider.TaskCover {
		t.Errorf("task type = %q; want %q", req.TaskType, provider.TaskCover)
	}
	if req.SrcAudioPath == "" {
		t.Fatal("src audio path is empty")
	}
	t.Cleanup(func() { os.Remove(req.SrcAudioPath) })
	b, err := os.ReadFile(req.SrcAudioPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "wav bytes" {
		t.Errorf("saved upload = %q; want the uploaded bytes", b)
	}
}

func TestUploadRejectsUnknownFormat(t *testing.T) {
	_, srv := newTestAPI(t, &fakeMusic{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("prompt", "a song")
	part, err := mw.CreateFormFile("reference_audio", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not audio"))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/generate/music-with-audio", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", resp.StatusCode)
	}
}

func TestProviderList(t *testing.T) {
	_, srv := newTestAPI(t, &fakeMusic{})
	resp, err := http.Get(srv.URL + "/api/providers/music")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Providers []struct {
			Name string `json:"name"`
			Kind string `json:"provider_type"`
		} `json:"providers"`
	}
	decodeBody(t, resp, &got)
	if len(got.Providers) != 1 || got.Providers[0].Name != "fake:v1" {
		t.Errorf("providers = %+v; want fake:v1", got.Providers)
	}
}

func TestTaskStream(t *testing.T) {
	_, srv := newTestAPI(t, &fakeMusic{})
	taskID := startGeneration(t, srv, map[string]interface{}{
		"prompt":         "streamed piece",
		"generate_cover": false,
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial err = %v; want nil", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg struct {
			TaskID   string `json:"task_id"`
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() err = %v before terminal state", err)
		}
		if msg.TaskID != taskID {
			t.Fatalf("task id = %s; want %s", msg.TaskID, taskID)
		}
		if msg.Status == storage.StatusCompleted {
			if msg.Progress != 100 {
				t.Errorf("final progress = %d; want 100", msg.Progress)
			}
			break
		}
		if msg.Status == storage.StatusFailed {
			t.Fatal("generation failed; want completed")
		}
	}

	// Server closes the stream after the terminal push.
	var extra json.RawMessage
	if err := conn.ReadJSON(&extra); err == nil {
		t.Error("stream still open after terminal state")
	}
}
