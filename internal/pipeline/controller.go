// Package pipeline drives one image from selection through upload to text
// recognition. The Controller is the only writer of pipeline state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/internal/keygen"
	"github.com/anime-shed/image-ocr-go/internal/logger"
	"github.com/anime-shed/image-ocr-go/internal/observer"
	"github.com/anime-shed/image-ocr-go/internal/recognition"
	"github.com/anime-shed/image-ocr-go/internal/repository"
	"github.com/anime-shed/image-ocr-go/internal/source"
	"github.com/anime-shed/image-ocr-go/internal/storage"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// State is a snapshot of the pipeline.
type State = models.PipelineState

// RecognizeOptions tunes a recognition run.
type RecognizeOptions struct {
	// ExpectedText, when set, is compared with the recognized text.
	ExpectedText string
}

// Pipeline is the user-facing state machine. Every operation returns the
// state after it was applied; a rejected operation returns the unchanged
// state and an error.
type Pipeline interface {
	SelectImage(ctx context.Context, req source.Request) (State, error)
	StartUpload(ctx context.Context) (State, error)
	StartRecognition(ctx context.Context, opts RecognizeOptions) (State, error)
	Retry(ctx context.Context) (State, error)
	State() State
	Subscribe(o observer.Observer)
	Unsubscribe(o observer.Observer)
	Close()
}

// Dependencies are the collaborators of a Controller. Runs and Publisher
// are optional.
type Dependencies struct {
	Source     source.ImageSource
	Fetcher    storage.BlobFetcher
	Uploader   storage.UploadTransport
	Keys       keygen.Generator
	Recognizer recognition.Recognizer
	Runs       repository.RunRepository
	Publisher  observer.Subject
}

type Controller struct {
	deps Dependencies

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	state     State
	enteredAt time.Time
	runCancel context.CancelFunc
	closed    bool
	pending   []observer.StateEvent

	// notifyMu serializes delivery of pending events. Events are queued under
	// mu in transition order, so observers see them in that order and may
	// call back into the controller.
	notifyMu sync.Mutex
}

// NewController creates a controller in the idle stage.
func NewController(deps Dependencies) Pipeline {
	if deps.Publisher == nil {
		deps.Publisher = observer.NewEventPublisher()
	}
	ctx, stop := context.WithCancel(context.Background())
	now := time.Now()
	return &Controller{
		deps:      deps,
		baseCtx:   ctx,
		stop:      stop,
		state:     State{Stage: models.StageIdle, UpdatedAt: now},
		enteredAt: now,
	}
}

// SelectImage replaces the current image with a newly picked one, discarding
// any URL or result of the previous image and abandoning work in flight. A
// cancelled pick leaves the state untouched and returns an error for which
// source.IsCancelled is true.
func (c *Controller) SelectImage(ctx context.Context, req source.Request) (State, error) {
	if c.isClosed() {
		return c.State(), errClosed()
	}

	ref, err := c.deps.Source.Acquire(ctx, req)
	if err != nil {
		if source.IsCancelled(err) {
			logger.WithField("mode", req.Mode).Debug("Image selection cancelled")
		}
		return c.State(), err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.State(), errClosed()
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}

	prev := c.state.Stage
	c.state = State{
		Stage:      models.StageImageSelected,
		Generation: c.state.Generation + 1,
		Image:      ref,
	}
	return c.commitLocked(observer.StageChanged, prev), nil
}

// StartUpload fetches the selected image and uploads it in the background.
func (c *Controller) StartUpload(ctx context.Context) (State, error) {
	c.mu.Lock()
	if err := c.requireLocked(models.StageImageSelected, "start an upload"); err != nil {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, err
	}

	runCtx := c.runContextLocked()
	gen := c.state.Generation
	ref := c.state.Image
	key := c.deps.Keys.NewKey()

	prev := c.state.Stage
	c.state.Stage = models.StageUploading
	c.state.Progress = 0
	c.state.Error = nil
	c.state.FailedStage = ""

	c.wg.Add(1)
	go c.upload(runCtx, gen, ref, key)

	return c.commitLocked(observer.StageChanged, prev), nil
}

// StartRecognition runs text recognition on the uploaded image in the
// background.
func (c *Controller) StartRecognition(ctx context.Context, opts RecognizeOptions) (State, error) {
	c.mu.Lock()
	if err := c.requireLocked(models.StageUploaded, "start recognition"); err != nil {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, err
	}
	if c.state.URL == "" {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, apperrors.NewConflictError("no uploaded URL for the current image", nil)
	}

	runCtx := c.runContextLocked()
	gen := c.state.Generation
	url := c.state.URL
	ref := c.state.Image

	prev := c.state.Stage
	c.state.Stage = models.StageRecognizing
	c.state.Result = nil
	c.state.Error = nil
	c.state.FailedStage = ""

	c.wg.Add(1)
	go c.recognize(runCtx, gen, ref, url, opts)

	return c.commitLocked(observer.StageChanged, prev), nil
}

// Retry re-arms the stage that failed: a failed upload returns to
// image_selected, a failed recognition returns to uploaded with the URL
// kept.
func (c *Controller) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	if err := c.requireLocked(models.StageError, "retry"); err != nil {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, err
	}

	prev := c.state.Stage
	switch c.state.FailedStage {
	case models.StageUploading:
		c.state.Stage = models.StageImageSelected
		c.state.URL = ""
	case models.StageRecognizing:
		c.state.Stage = models.StageUploaded
	default:
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, apperrors.NewConflictError(fmt.Sprintf("cannot retry a failure in stage %q", snapshot.FailedStage), nil)
	}
	c.state.Progress = 0
	c.state.Error = nil
	c.state.FailedStage = ""

	return c.commitLocked(observer.StageChanged, prev), nil
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Subscribe(o observer.Observer) {
	c.deps.Publisher.Subscribe(o)
}

func (c *Controller) Unsubscribe(o observer.Observer) {
	c.deps.Publisher.Unsubscribe(o)
}

// Close abandons the active run and waits for background work to stop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

func (c *Controller) upload(ctx context.Context, gen uint64, ref models.ImageReference, key string) {
	defer c.wg.Done()

	payload, err := c.deps.Fetcher.FetchBytes(ctx, ref)
	if err != nil {
		c.fail(gen, models.StageUploading, err)
		return
	}
	if ctx.Err() != nil {
		payload.Release()
		c.discard(gen, "upload", ctx.Err())
		return
	}

	task := c.deps.Uploader.Upload(ctx, payload, key)
	// Drain every event so the transport is never left blocked, even once
	// this run has gone stale.
	for ev := range task.Events() {
		switch ev.Type {
		case storage.UploadProgress:
			c.progress(gen, ev.Fraction)
		case storage.UploadCompleted:
			c.uploaded(gen, ev.URL)
		case storage.UploadFailed:
			c.fail(gen, models.StageUploading, ev.Err)
		}
	}
}

func (c *Controller) recognize(ctx context.Context, gen uint64, ref models.ImageReference, url models.RemoteURL, opts RecognizeOptions) {
	defer c.wg.Done()

	result, err := c.deps.Recognizer.Recognize(ctx, url)
	if err != nil {
		c.fail(gen, models.StageRecognizing, err)
		return
	}

	result.RunID = uuid.NewString()
	result.Image = ref
	if result.URL == "" {
		result.URL = url
	}
	if opts.ExpectedText != "" {
		result.Accuracy = recognition.Score(result.Text, opts.ExpectedText)
	}
	c.recognized(gen, result)
}

func (c *Controller) progress(gen uint64, fraction float64) {
	c.mu.Lock()
	if !c.currentLocked(gen, models.StageUploading) {
		c.mu.Unlock()
		return
	}
	if fraction <= c.state.Progress {
		c.mu.Unlock()
		return
	}
	c.state.Progress = fraction
	c.commitLocked(observer.UploadProgressed, models.StageUploading)
}

func (c *Controller) uploaded(gen uint64, url models.RemoteURL) {
	c.mu.Lock()
	if !c.currentLocked(gen, models.StageUploading) {
		c.mu.Unlock()
		c.discard(gen, "upload", nil)
		return
	}
	c.state.Stage = models.StageUploaded
	c.state.Progress = 1
	c.state.URL = url
	c.commitLocked(observer.StageChanged, models.StageUploading)
}

func (c *Controller) recognized(gen uint64, result *models.RecognitionResult) {
	c.mu.Lock()
	if !c.currentLocked(gen, models.StageRecognizing) {
		c.mu.Unlock()
		c.discard(gen, "recognition", nil)
		return
	}
	if c.deps.Runs != nil {
		if err := c.deps.Runs.SaveRun(c.baseCtx, result); err != nil {
			logger.WithError(err).WithField("run_id", result.RunID).Warn("Failed to record run")
		}
	}
	c.state.Stage = models.StageRecognized
	c.state.RunID = result.RunID
	c.state.Result = result
	c.commitLocked(observer.StageChanged, models.StageRecognizing)
}

func (c *Controller) fail(gen uint64, stage models.Stage, err error) {
	c.mu.Lock()
	if !c.currentLocked(gen, stage) {
		c.mu.Unlock()
		c.discard(gen, string(stage), err)
		return
	}
	c.state.Stage = models.StageError
	c.state.FailedStage = stage
	c.state.Error = stageError(err)
	c.commitLocked(observer.StageChanged, stage)
}

func (c *Controller) discard(gen uint64, what string, err error) {
	entry := logger.WithFields(logrus.Fields{
		"generation": gen,
		"operation":  what,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Discarding stale completion")
}

// commitLocked publishes the current state. It must be called with mu held
// and releases it.
func (c *Controller) commitLocked(eventType observer.EventType, prev models.Stage) State {
	now := time.Now()
	c.state.UpdatedAt = now

	event := observer.StateEvent{
		EventType: eventType,
		Timestamp: now,
		Previous:  prev,
		State:     c.state,
	}
	if eventType == observer.StageChanged {
		event.Duration = now.Sub(c.enteredAt)
		c.enteredAt = now
	}
	snapshot := c.state
	c.pending = append(c.pending, event)
	c.mu.Unlock()

	c.flush()
	return snapshot
}

// flush delivers queued events. If another goroutine is already delivering,
// it picks up this caller's events before it stops.
func (c *Controller) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			event := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			c.deps.Publisher.NotifyObservers(c.baseCtx, event)
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

// runContextLocked returns a context that ends when the current image is
// replaced or the controller closes.
func (c *Controller) runContextLocked() context.Context {
	ctx, cancel := context.WithCancel(c.baseCtx)
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCancel = cancel
	return ctx
}

func (c *Controller) currentLocked(gen uint64, stage models.Stage) bool {
	return !c.closed && c.state.Generation == gen && c.state.Stage == stage
}

func (c *Controller) requireLocked(stage models.Stage, action string) error {
	if c.closed {
		return errClosed()
	}
	if c.state.Stage != stage {
		return apperrors.NewConflictError(
			fmt.Sprintf("cannot %s in stage %q (requires %q)", action, c.state.Stage, stage), nil)
	}
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func errClosed() error {
	return apperrors.NewConflictError("pipeline is closed", nil)
}

func stageError(err error) *models.StageFailure {
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	return &models.StageFailure{
		Type:    string(apperrors.TypeOf(err)),
		Message: message,
		Cause:   err,
	}
}
