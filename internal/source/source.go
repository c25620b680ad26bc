// Package source produces image references for the pipeline. The picker
// itself lives in the client; the server side validates the confirmed
// selection and enforces capability grants before accepting it.
package source

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/pkg/models"
	"github.com/anime-shed/image-ocr-go/pkg/validation"
)

// Mode selects where an image comes from
type Mode string

const (
	ModeLibrary Mode = "library"
	ModeCamera  Mode = "camera"
)

// ParseMode accepts "library" or "camera" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLibrary:
		return ModeLibrary, nil
	case ModeCamera:
		return ModeCamera, nil
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown image source mode %q", s), nil)
	}
}

// Request is the outcome of one pick or capture on the client.
type Request struct {
	Mode      Mode
	URI       string
	Cancelled bool
}

// ImageSource turns a confirmed pick into an ImageReference.
// A cancelled pick returns an error for which IsCancelled is true.
type ImageSource interface {
	Acquire(ctx context.Context, req Request) (models.ImageReference, error)
}

// IsCancelled reports whether err is a benign pick cancellation.
func IsCancelled(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeCancelled)
}

// Picker validates confirmed selections.
type Picker struct {
	validator *validation.URLValidator
}

// NewPicker creates a picker that accepts file, http and https references.
func NewPicker() *Picker {
	return &Picker{validator: validation.NewReferenceValidator()}
}

// Acquire implements ImageSource.
func (p *Picker) Acquire(ctx context.Context, req Request) (models.ImageReference, error) {
	if req.Cancelled || strings.TrimSpace(req.URI) == "" {
		return "", apperrors.NewCancelledError("image selection cancelled")
	}
	if err := p.validator.Validate(req.URI); err != nil {
		return "", err
	}
	return models.ImageReference(strings.TrimSpace(req.URI)), nil
}

var _ ImageSource = (*Picker)(nil)
