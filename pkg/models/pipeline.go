package models

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrPayloadReleased is returned when a payload is read or released after it
// has already been released.
var ErrPayloadReleased = errors.New("payload already released")

// ImageReference identifies a locally resolvable image (file:// or http(s)://).
type ImageReference string

// RemoteURL is a publicly dereferenceable address of a stored image.
type RemoteURL string

// Payload is the in-memory content of an image ready for transfer.
// It has a single owner at a time and must be released exactly once.
type Payload struct {
	mu          sync.Mutex
	data        []byte
	size        int64
	contentType string
	released    bool
	onRelease   func()
}

// NewPayload wraps data with a content-type hint
func NewPayload(data []byte, contentType string) *Payload {
	return &Payload{
		data:        data,
		size:        int64(len(data)),
		contentType: contentType,
	}
}

// OnRelease registers a hook invoked once when the payload is released.
func (p *Payload) OnRelease(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRelease = fn
}

// Bytes returns the payload content, or ErrPayloadReleased after Release.
func (p *Payload) Bytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrPayloadReleased
	}
	return p.data, nil
}

// Size is the content length in bytes. It stays valid after release.
func (p *Payload) Size() int64 {
	return p.size
}

// ContentType returns the MIME type hint
func (p *Payload) ContentType() string {
	return p.contentType
}

// Released reports whether Release has been called.
func (p *Payload) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Release drops the buffer. A second call returns ErrPayloadReleased.
func (p *Payload) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrPayloadReleased
	}
	p.released = true
	p.data = nil
	hook := p.onRelease
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Accuracy compares recognized text against caller-supplied expected text
type Accuracy struct {
	ExpectedText string  `json:"expected_text"`
	CER          float64 `json:"character_error_rate"`
	WER          float64 `json:"word_error_rate"`
	MatchScore   float64 `json:"match_score"`
}

// RecognitionResult is the outcome of one successful OCR call.
type RecognitionResult struct {
	RunID        string          `json:"run_id"`
	Image        ImageReference  `json:"image"`
	URL          RemoteURL       `json:"url"`
	Text         string          `json:"text"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	Accuracy     *Accuracy       `json:"accuracy,omitempty"`
	RecognizedAt time.Time       `json:"recognized_at"`
	DurationSec  float64         `json:"duration_sec"`
}

// Stage is a step of the image pipeline
type Stage string

const (
	StageIdle          Stage = "idle"
	StageImageSelected Stage = "image_selected"
	StageUploading     Stage = "uploading"
	StageUploaded      Stage = "uploaded"
	StageRecognizing   Stage = "recognizing"
	StageRecognized    Stage = "recognized"
	StageError         Stage = "error"
)

// StageFailure describes why a stage failed.
type StageFailure struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// PipelineState is a snapshot of the pipeline. Fields that do not apply to
// Stage are zero.
type PipelineState struct {
	Stage       Stage              `json:"stage"`
	Generation  uint64             `json:"generation"`
	RunID       string             `json:"run_id,omitempty"`
	Image       ImageReference     `json:"image,omitempty"`
	Progress    float64            `json:"progress"`
	URL         RemoteURL          `json:"url,omitempty"`
	Result      *RecognitionResult `json:"result,omitempty"`
	FailedStage Stage              `json:"failed_stage,omitempty"`
	Error       *StageFailure      `json:"error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
