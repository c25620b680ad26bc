package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// StateEvent represents a pipeline state change
type StateEvent struct {
	EventType EventType            `json:"event_type"`
	Timestamp time.Time            `json:"timestamp"`
	Previous  models.Stage         `json:"previous"`
	State     models.PipelineState `json:"state"`
	// Duration is the time spent in Previous, set when a stage is left.
	Duration time.Duration `json:"duration"`
}

// EventType represents the type of state event
type EventType string

const (
	// StageChanged when the pipeline moves to another stage
	StageChanged EventType = "stage_changed"
	// UploadProgressed when the upload fraction grows within the uploading stage
	UploadProgressed EventType = "upload_progress"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event StateEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event StateEvent)
}

// LoggingObserver logs state events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles state events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event StateEvent) {
	state := event.State
	fields := logrus.Fields{
		"event_type": event.EventType,
		"stage":      state.Stage,
		"previous":   event.Previous,
		"generation": state.Generation,
	}
	if state.Image != "" {
		fields["image"] = state.Image
	}
	if state.URL != "" {
		fields["url"] = state.URL
	}
	if event.Duration > 0 {
		fields["duration_sec"] = event.Duration.Seconds()
	}
	if state.Error != nil {
		fields["error_type"] = state.Error.Type
		fields["error"] = state.Error.Message
	}

	if event.EventType == UploadProgressed {
		fields["progress"] = state.Progress
		o.logger.WithFields(fields).Debug("Upload progress")
		return
	}

	switch state.Stage {
	case models.StageImageSelected:
		o.logger.WithFields(fields).Info("Image selected")
	case models.StageUploading:
		o.logger.WithFields(fields).Info("Upload started")
	case models.StageUploaded:
		o.logger.WithFields(fields).Info("Image uploaded")
	case models.StageRecognizing:
		o.logger.WithFields(fields).Info("Text recognition started")
	case models.StageRecognized:
		if state.Result != nil {
			fields["chars"] = len(state.Result.Text)
		}
		o.logger.WithFields(fields).Info("Text recognized")
	case models.StageError:
		fields["failed_stage"] = state.FailedStage
		o.logger.WithFields(fields).Error("Pipeline stage failed")
	default:
		o.logger.WithFields(fields).Info("Pipeline state changed")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver counts stage outcomes and times the upload and
// recognition stages
type MetricsObserver struct {
	mu                    sync.RWMutex
	selections            int64
	uploadsStarted        int64
	uploadsSucceeded      int64
	uploadsFailed         int64
	recognitionsStarted   int64
	recognitionsSucceeded int64
	recognitionsFailed    int64
	totalUploadTime       time.Duration
	totalRecognitionTime  time.Duration
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{}
}

// OnEvent handles state events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event StateEvent) {
	if event.EventType != StageChanged {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.State.Stage {
	case models.StageImageSelected:
		if event.Previous != models.StageError {
			o.selections++
		}
	case models.StageUploading:
		o.uploadsStarted++
	case models.StageUploaded:
		if event.Previous == models.StageUploading {
			o.uploadsSucceeded++
			o.totalUploadTime += event.Duration
		}
	case models.StageRecognizing:
		o.recognitionsStarted++
	case models.StageRecognized:
		o.recognitionsSucceeded++
		o.totalRecognitionTime += event.Duration
	case models.StageError:
		switch event.State.FailedStage {
		case models.StageUploading:
			o.uploadsFailed++
		case models.StageRecognizing:
			o.recognitionsFailed++
		}
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgUpload := time.Duration(0)
	if o.uploadsSucceeded > 0 {
		avgUpload = o.totalUploadTime / time.Duration(o.uploadsSucceeded)
	}
	avgRecognition := time.Duration(0)
	if o.recognitionsSucceeded > 0 {
		avgRecognition = o.totalRecognitionTime / time.Duration(o.recognitionsSucceeded)
	}

	return map[string]interface{}{
		"images_selected":        o.selections,
		"uploads_started":        o.uploadsStarted,
		"uploads_succeeded":      o.uploadsSucceeded,
		"uploads_failed":         o.uploadsFailed,
		"recognitions_started":   o.recognitionsStarted,
		"recognitions_succeeded": o.recognitionsSucceeded,
		"recognitions_failed":    o.recognitionsFailed,
		"avg_upload_sec":         avgUpload.Seconds(),
		"avg_recognition_sec":    avgRecognition.Seconds(),
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() Subject {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs == observer {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers event to every observer in subscription order
// before returning. A panicking observer is logged and skipped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event StateEvent) {
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, observer := range observers {
		notify(ctx, observer, event)
	}
}

func notify(ctx context.Context, obs Observer, event StateEvent) {
	defer func() {
		if r := recover(); r != nil {
			// Log panic but don't crash the application
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}
