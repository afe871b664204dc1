package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Generation statuses. The lifecycle is pending → processing →
// completed|failed; completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Parent types for generation lineage.
const (
	ParentExtend = "extend"
	ParentRemix  = "remix"
)

type Generation struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// TaskID is the opaque external handle used to poll and cancel.
	TaskID string `gorm:"uniqueIndex;not null"`
	Status string `gorm:"index;not null;default:'pending'"`

	Prompt         string `gorm:"not null"`
	EnhancedPrompt string
	Lyrics         string
	LRCLyrics      string
	Genre          string
	Mood           string
	Duration       float64 `gorm:"not null;default:30"`
	Title          string
	Tempo          int
	MusicalKey     string
	Instruments    []string `gorm:"serializer:json"`
	Language       string   `gorm:"not null;default:'en'"`
	Instrumental   bool     `gorm:"not null;default:false"`

	LLMProvider   string
	MusicProvider string `gorm:"not null"`

	AudioPath      string
	AudioFormat    string `gorm:"not null;default:'wav'"`
	ActualDuration float64
	CoverArtPath   string
	CoverArtPrompt string

	ParentID   *string
	Parent     *Generation `gorm:"foreignKey:ParentID"`
	ParentType string

	Progress        int `gorm:"not null;default:0"`
	ProgressMessage string

	IsLiked bool `gorm:"index;not null;default:false"`

	Params       map[string]string `gorm:"serializer:json"`
	ErrorMessage string
	CompletedAt  *time.Time
}

// Terminal reports whether the generation reached a final state.
func (g *Generation) Terminal() bool {
	return g.Status == StatusCompleted || g.Status == StatusFailed
}

func (s *Store) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var v Generation
	if err := s.db.First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get Generation %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) GetGenerationByTaskID(ctx context.Context, taskID string) (*Generation, error) {
	var v Generation
	if err := s.db.First(&v, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get Generation by task %s: %w", taskID, err)
	}
	return &v, nil
}

func (s *Store) SetGeneration(ctx context.Context, v *Generation) error {
	if err := s.db.Save(v).Error; err != nil {
		return fmt.Errorf("storage: failed to set Generation %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) DeleteGeneration(ctx context.Context, id string) error {
	if err := s.db.Delete(&Generation{ID: id}, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("storage: failed to delete Generation %s: %w", id, err)
	}
	return nil
}

// StatusUpdate carries the optional fields of a status transition.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Progress        *int
	ProgressMessage string
	ErrorMessage    string
	AudioPath       string
	AudioFormat     string
	ActualDuration  float64
	LRCLyrics       string
	CompletedAt     *time.Time
}

// UpdateStatus advances a generation's status. Updates on a record
// that already reached a terminal state are ignored and the stored
// record is returned unchanged.
func (s *Store) UpdateStatus(ctx context.Context, taskID, status string, update *StatusUpdate) (*Generation, error) {
	v, err := s.GetGenerationByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if v.Terminal() {
		return v, nil
	}
	v.Status = status
	if update != nil {
		if update.Progress != nil {
			v.Progress = *update.Progress
		}
		if update.ProgressMessage != "" {
			v.ProgressMessage = update.ProgressMessage
		}
		if update.ErrorMessage != "" {
			v.ErrorMessage = update.ErrorMessage
		}
		if update.AudioPath != "" {
			v.AudioPath = update.AudioPath
		}
		if update.AudioFormat != "" {
			v.AudioFormat = update.AudioFormat
		}
		if update.ActualDuration > 0 {
			v.ActualDuration = update.ActualDuration
		}
		if update.LRCLyrics != "" {
			v.LRCLyrics = update.LRCLyrics
		}
		if update.CompletedAt != nil {
			v.CompletedAt = update.CompletedAt
		}
	}
	if err := s.SetGeneration(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateCoverArt attaches cover art to a generation. Cover art is
// additive, so this is allowed on terminal records.
func (s *Store) UpdateCoverArt(ctx context.Context, taskID, path, prompt string) (*Generation, error) {
	v, err := s.GetGenerationByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	v.CoverArtPath = path
	v.CoverArtPrompt = prompt
	if err := s.SetGeneration(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ToggleLike flips the liked flag and returns the new value.
func (s *Store) ToggleLike(ctx context.Context, id string) (bool, error) {
	v, err := s.GetGeneration(ctx, id)
	if err != nil {
		return false, err
	}
	v.IsLiked = !v.IsLiked
	if err := s.SetGeneration(ctx, v); err != nil {
		return false, err
	}
	return v.IsLiked, nil
}

// FailStale marks every non-terminal generation as failed. It runs at
// startup: background units are not restart-durable, so a record still
// claiming to be in progress is always stale.
func (s *Store) FailStale(ctx context.Context, message string) (int64, error) {
	result := s.db.Model(&Generation{}).
		Where("status IN ?", []string{StatusPending, StatusProcessing}).
		Updates(map[string]interface{}{
			"status":           StatusFailed,
			"error_message":    message,
			"progress":         0,
			"progress_message": message,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("storage: failed to mark stale generations: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListOptions filter, sort and paginate generation listings.
type ListOptions struct {
	Offset  int
	Limit   int
	Search  string
	IsLiked *bool
	Genre   string
	Mood    string
	Status  string
	Sort    string
	SortDir string
}

// sortColumns whitelists the sortable fields.
var sortColumns = map[string]string{
	"created_at":      "created_at",
	"title":           "title",
	"actual_duration": "actual_duration",
}

// ListGenerations returns a page of generations plus the total count
// matching the filters, independent of pagination.
func (s *Store) ListGenerations(ctx context.Context, opts *ListOptions) ([]*Generation, int64, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.db.Model(&Generation{})
	if opts.Search != "" {
		pattern := "%" + opts.Search + "%"
		q = q.Where(
			"title LIKE ? OR prompt LIKE ? OR genre LIKE ? OR mood LIKE ?",
			pattern, pattern, pattern, pattern,
		)
	}
	if opts.IsLiked != nil {
		q = q.Where("is_liked = ?", *opts.IsLiked)
	}
	if opts.Genre != "" {
		q = q.Where("genre LIKE ?", "%"+opts.Genre+"%")
	}
	if opts.Mood != "" {
		q = q.Where("mood LIKE ?", "%"+opts.Mood+"%")
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: failed to count Generations: %w", err)
	}

	col, ok := sortColumns[opts.Sort]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if opts.SortDir == "asc" {
		dir = "ASC"
	}

	vs := []*Generation{}
	if err := q.Order(fmt.Sprintf("%s %s", col, dir)).
		Offset(opts.Offset).Limit(limit).
		Find(&vs).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: failed to list Generations: %w", err)
	}
	return vs, total, nil
}
