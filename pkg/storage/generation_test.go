package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("sqlite", ":memory:", false)
	if err != nil {
		t.Fatalf("New() err = %v; want nil", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() err = %v; want nil", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() err = %v; want nil", err)
	}
	return s
}

func newGeneration(status string) *Generation {
	return &Generation{
		ID:            ulid.Make().String(),
		TaskID:        ulid.Make().String(),
		Status:        status,
		Prompt:        "a quiet piano piece",
		Duration:      30,
		Language:      "en",
		MusicProvider: "acestep:v1",
	}
}

func TestGetGenerationByTaskID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newGeneration(StatusPending)
	if err := s.SetGeneration(ctx, g); err != nil {
		t.Fatalf("SetGeneration() err = %v; want nil", err)
	}
	got, err := s.GetGenerationByTaskID(ctx, g.TaskID)
	if err != nil {
		t.Fatalf("GetGenerationByTaskID() err = %v; want nil", err)
	}
	if got.ID != g.ID {
		t.Errorf("ID = %s; want %s", got.ID, g.ID)
	}
	if _, err := s.GetGenerationByTaskID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGenerationByTaskID(missing) err = %v; want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newGeneration(StatusPending)
	if err := s.SetGeneration(ctx, g); err != nil {
		t.Fatal(err)
	}
	progress := 30
	got, err := s.UpdateStatus(ctx, g.TaskID, StatusProcessing, &StatusUpdate{
		Progress:        &progress,
		ProgressMessage: "Generating audio...",
	})
	if err != nil {
		t.Fatalf("UpdateStatus() err = %v; want nil", err)
	}
	if got.Status != StatusProcessing || got.Progress != 30 {
		t.Errorf("status = %s progress = %d; want processing 30", got.Status, got.Progress)
	}
}

func TestUpdateStatusTerminalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newGeneration(StatusPending)
	if err := s.SetGeneration(ctx, g); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	progress := 100
	if _, err := s.UpdateStatus(ctx, g.TaskID, StatusCompleted, &StatusUpdate{
		Progress:    &progress,
		AudioPath:   "audio.wav",
		CompletedAt: &now,
	}); err != nil {
		t.Fatal(err)
	}

	// A terminal record must ignore further status mutations.
	zero := 0
	got, err := s.UpdateStatus(ctx, g.TaskID, StatusFailed, &StatusUpdate{
		Progress:     &zero,
		ErrorMessage: "should be ignored",
	})
	if err != nil {
		t.Fatalf("UpdateStatus() err = %v; want nil", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s; want completed (terminal guard)", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q; want empty", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at cleared by ignored update")
	}
}

func TestUpdateCoverArtOnTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newGeneration(StatusCompleted)
	if err := s.SetGeneration(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdateCoverArt(ctx, g.TaskID, "cover.png", "an abstract skyline")
	if err != nil {
		t.Fatalf("UpdateCoverArt() err = %v; want nil", err)
	}
	if got.CoverArtPath != "cover.png" || got.CoverArtPrompt != "an abstract skyline" {
		t.Errorf("cover art = %q %q", got.CoverArtPath, got.CoverArtPrompt)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s; want completed", got.Status)
	}
}

func TestToggleLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newGeneration(StatusCompleted)
	if err := s.SetGeneration(ctx, g); err != nil {
		t.Fatal(err)
	}
	liked, err := s.ToggleLike(ctx, g.ID)
	if err != nil {
		t.Fatalf("ToggleLike() err = %v; want nil", err)
	}
	if !liked {
		t.Error("ToggleLike() = false; want true")
	}
	liked, err = s.ToggleLike(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if liked {
		t.Error("ToggleLike() = true; want false")
	}
}

func TestFailStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	statuses := []string{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	var taskIDs []string
	for _, status := range statuses {
		g := newGeneration(status)
		if err := s.SetGeneration(ctx, g); err != nil {
			t.Fatal(err)
		}
		taskIDs = append(taskIDs, g.TaskID)
	}
	n, err := s.FailStale(ctx, "server restarted during generation")
	if err != nil {
		t.Fatalf("FailStale() err = %v; want nil", err)
	}
	if n != 2 {
		t.Errorf("FailStale() = %d; want 2", n)
	}
	for i, taskID := range taskIDs {
		got, err := s.GetGenerationByTaskID(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == StatusPending || got.Status == StatusProcessing {
			t.Errorf("generation %d still %s after FailStale", i, got.Status)
		}
	}
}

func TestListGenerations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rock := newGeneration(StatusCompleted)
	rock.Genre = "Rock"
	rock.Title = "Thunder Road"
	rock.IsLiked = true
	jazz := newGeneration(StatusCompleted)
	jazz.Genre = "Jazz"
	jazz.Mood = "Calm"
	failed := newGeneration(StatusFailed)
	failed.Genre = "Rock"
	for _, g := range []*Generation{rock, jazz, failed} {
		if err := s.SetGeneration(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	liked := true
	tests := []struct {
		name      string
		opts      *ListOptions
		wantTotal int64
	}{
		{"all", &ListOptions{}, 3},
		{"by genre", &ListOptions{Genre: "rock"}, 2},
		{"by status", &ListOptions{Status: StatusFailed}, 1},
		{"liked", &ListOptions{IsLiked: &liked}, 1},
		{"search title", &ListOptions{Search: "thunder"}, 1},
		{"by mood", &ListOptions{Mood: "calm"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs, total, err := s.ListGenerations(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListGenerations() err = %v; want nil", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d; want %d", total, tt.wantTotal)
			}
			if int64(len(vs)) != tt.wantTotal {
				t.Errorf("len = %d; want %d", len(vs), tt.wantTotal)
			}
		})
	}
}

func TestListGenerationsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.SetGeneration(ctx, newGeneration(StatusCompleted)); err != nil {
			t.Fatal(err)
		}
	}
	vs, total, err := s.ListGenerations(ctx, &ListOptions{Offset: 3, Limit: 10})
	if err != nil {
		t.Fatalf("ListGenerations() err = %v; want nil", err)
	}
	if total != 5 {
		t.Errorf("total = %d; want 5 (independent of pagination)", total)
	}
	if len(vs) != 2 {
		t.Errorf("len = %d; want 2", len(vs))
	}
}
