package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/internal/logger"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// UploadEventType identifies an upload lifecycle event
type UploadEventType string

const (
	UploadStarted   UploadEventType = "started"
	UploadProgress  UploadEventType = "progress"
	UploadCompleted UploadEventType = "completed"
	UploadFailed    UploadEventType = "failed"
)

// UploadEvent is one step of an upload. Fraction is set for progress
// events, URL for completion and Err for failure.
type UploadEvent struct {
	Type     UploadEventType
	Fraction float64
	URL      models.RemoteURL
	Err      error
}

// Terminal reports whether no further events follow e.
func (e UploadEvent) Terminal() bool {
	return e.Type == UploadCompleted || e.Type == UploadFailed
}

// UploadTransport moves a payload to remote storage.
type UploadTransport interface {
	// Upload takes ownership of payload and releases it exactly once.
	Upload(ctx context.Context, payload *models.Payload, key string) *UploadTask
}

const eventBuffer = 16

// UploadTask is a single in-flight upload. Events yields Started, then
// non-decreasing Progress events, then exactly one Completed or Failed, and
// is closed afterwards. Intermediate progress is dropped when the reader
// falls behind; Started and the terminal event are always delivered.
type UploadTask struct {
	events chan UploadEvent
	done   chan struct{}
	url    models.RemoteURL
	err    error
}

// Events returns the event stream of the task.
func (t *UploadTask) Events() <-chan UploadEvent {
	return t.events
}

// Wait blocks until the upload has finished. It does not require Events to
// be drained.
func (t *UploadTask) Wait() (models.RemoteURL, error) {
	<-t.done
	return t.url, t.err
}

// Uploader is the UploadTransport backed by an ObjectStore.
type Uploader struct {
	store   ObjectStore
	timeout time.Duration
}

// NewUploader creates an uploader whose Put and URL resolution are bounded
// by timeout.
func NewUploader(store ObjectStore, timeout time.Duration) UploadTransport {
	return &Uploader{store: store, timeout: timeout}
}

func (u *Uploader) Upload(ctx context.Context, payload *models.Payload, key string) *UploadTask {
	task := &UploadTask{
		events: make(chan UploadEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go u.run(ctx, task, payload, key)
	return task
}

func (u *Uploader) run(ctx context.Context, task *UploadTask, payload *models.Payload, key string) {
	defer close(task.events)
	task.events <- UploadEvent{Type: UploadStarted}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	remote, err := u.transfer(ctx, task, payload, key)

	if relErr := payload.Release(); relErr != nil {
		logger.WithError(relErr).WithField("key", key).Warn("Payload was released before upload finished")
	}

	task.url, task.err = remote, err
	close(task.done)

	fields := logrus.Fields{
		"key":          key,
		"bytes":        payload.Size(),
		"content_type": payload.ContentType(),
		"duration_sec": time.Since(start).Seconds(),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("Upload failed")
		task.events <- UploadEvent{Type: UploadFailed, Err: err}
		return
	}
	logger.WithFields(fields).WithField("url", remote).Info("Upload completed")
	task.events <- UploadEvent{Type: UploadCompleted, URL: remote}
}

func (u *Uploader) transfer(ctx context.Context, task *UploadTask, payload *models.Payload, key string) (models.RemoteURL, error) {
	data, err := payload.Bytes()
	if err != nil {
		return "", apperrors.NewUploadError("payload is no longer available", err)
	}

	tracker := &progressTracker{total: payload.Size(), emit: task.progress}
	defer tracker.stop()
	if err := u.store.Put(ctx, key, data, payload.ContentType(), tracker.report); err != nil {
		return "", classifyUploadError(ctx, "failed to upload image", err)
	}
	tracker.report(payload.Size())

	remote, err := u.store.ResolveURL(ctx, key)
	if err != nil {
		return "", classifyUploadError(ctx, "failed to resolve download URL", err)
	}
	if remote == "" {
		return "", apperrors.NewUploadError("storage returned an empty download URL", nil)
	}
	return models.RemoteURL(remote), nil
}

// progress enqueues a progress event unless that would take the slot
// reserved for the terminal event. Only the run goroutine and the store's
// progress callback (serialized by progressTracker) send here.
func (t *UploadTask) progress(fraction float64) {
	if len(t.events) >= cap(t.events)-1 {
		return
	}
	t.events <- UploadEvent{Type: UploadProgress, Fraction: fraction}
}

// progressTracker turns byte counts into fractions. Backends may report a
// smaller count after retrying a block, so it only moves forward.
type progressTracker struct {
	mu      sync.Mutex
	total   int64
	max     int64
	sent    float64
	stopped bool
	emit    func(float64)
}

// stop discards reports that arrive after the transfer has returned.
func (p *progressTracker) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *progressTracker) report(bytesTransferred int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.total <= 0 || bytesTransferred <= p.max {
		return
	}
	p.max = bytesTransferred
	fraction := float64(p.max) / float64(p.total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction <= p.sent {
		return
	}
	p.sent = fraction
	p.emit(fraction)
}

func classifyUploadError(ctx context.Context, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewTimeoutError("upload timed out", err)
	}
	return apperrors.NewUploadError(message, err)
}
