package repository

import (
	"context"
	"sync"

	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// MemoryRunRepository keeps the most recent runs in memory. When full, the
// oldest run is evicted.
type MemoryRunRepository struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]*models.RecognitionResult
}

// NewMemoryRunRepository creates a repository holding at most limit runs
func NewMemoryRunRepository(limit int) RunRepository {
	if limit < 1 {
		limit = 1
	}
	return &MemoryRunRepository{
		limit: limit,
		runs:  make(map[string]*models.RecognitionResult),
	}
}

func (r *MemoryRunRepository) SaveRun(ctx context.Context, run *models.RecognitionResult) error {
	if run == nil || run.RunID == "" {
		return ErrInvalidRun
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.RunID]; exists {
		r.remove(run.RunID)
	}
	r.runs[run.RunID] = run
	r.order = append(r.order, run.RunID)

	for len(r.order) > r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.runs, oldest)
	}
	return nil
}

func (r *MemoryRunRepository) GetRun(ctx context.Context, id string) (*models.RecognitionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (r *MemoryRunRepository) ListRuns(ctx context.Context, image models.ImageReference) ([]*models.RecognitionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*models.RecognitionResult, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		run := r.runs[r.order[i]]
		if image == "" || run.Image == image {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (r *MemoryRunRepository) remove(id string) {
	delete(r.runs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
