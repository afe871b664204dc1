package serve

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hikariwave/hikariwave/pkg/storage"
)

// pushInterval is the fallback cadence for progress pushes when no
// state change arrives.
const pushInterval = 2 * time.Second

// hub fans generation updates out to the websocket streams watching
// each task.
type hub struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func newHub() *hub {
	return &hub{subs: map[string][]chan struct{}{}}
}

// Notify wakes every stream watching the generation's task. The
// channels only carry a signal; streams read the fresh record from the
// store themselves.
func (h *hub) Notify(g *storage.Generation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[g.TaskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) subscribe(taskID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[taskID] = append(h.subs[taskID], ch)
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(taskID string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[taskID]
	for i, c := range subs {
		if c == ch {
			h.subs[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[taskID]) == 0 {
		delete(h.subs, taskID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type progressMessage struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Message   string  `json:"message"`
	AudioPath string  `json:"audio_path,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// taskStream pushes generation progress over a websocket until the
// task reaches a terminal state, then closes.
func (a *api) taskStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("serve: couldn't upgrade websocket:", err)
		return
	}
	defer conn.Close()

	updates := a.hub.subscribe(taskID)
	defer a.hub.unsubscribe(taskID, updates)

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		g, err := a.store.GetGenerationByTaskID(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = conn.WriteJSON(map[string]string{"error": "task not found", "task_id": taskID})
			}
			return
		}
		msg := progressMessage{
			TaskID:   taskID,
			Status:   g.Status,
			Progress: g.Progress,
			Message:  g.ProgressMessage,
		}
		switch g.Status {
		case storage.StatusCompleted:
			msg.AudioPath = g.AudioPath
			msg.Duration = g.ActualDuration
		case storage.StatusFailed:
			msg.Error = g.ErrorMessage
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
		if g.Terminal() {
			return
		}
		select {
		case <-ticker.C:
		case <-updates:
		case <-r.Context().Done():
			return
		}
	}
}
