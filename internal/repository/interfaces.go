package repository

import (
	"context"

	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// RunRepository defines the interface for recognition run history
type RunRepository interface {
	// SaveRun stores a completed run, replacing one with the same ID
	SaveRun(ctx context.Context, run *models.RecognitionResult) error

	// GetRun retrieves a stored run
	GetRun(ctx context.Context, id string) (*models.RecognitionResult, error)

	// ListRuns returns stored runs, newest first. A non-empty image limits
	// the list to runs of that image reference.
	ListRuns(ctx context.Context, image models.ImageReference) ([]*models.RecognitionResult, error)
}
