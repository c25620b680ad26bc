package container

import (
	"fmt"
	"net/http"

	"github.com/anime-shed/image-ocr-go/internal/config"
	"github.com/anime-shed/image-ocr-go/internal/factory"
	"github.com/anime-shed/image-ocr-go/internal/keygen"
	"github.com/anime-shed/image-ocr-go/internal/logger"
	"github.com/anime-shed/image-ocr-go/internal/observer"
	"github.com/anime-shed/image-ocr-go/internal/pipeline"
	"github.com/anime-shed/image-ocr-go/internal/recognition"
	"github.com/anime-shed/image-ocr-go/internal/repository"
	"github.com/anime-shed/image-ocr-go/internal/source"
	"github.com/anime-shed/image-ocr-go/internal/storage"
	"github.com/anime-shed/image-ocr-go/internal/transport"
)

// Container holds all application dependencies
type Container struct {
	config     *config.Config
	fetcher    storage.BlobFetcher
	store      storage.ObjectStore
	uploader   storage.UploadTransport
	keys       keygen.Generator
	recognizer recognition.Recognizer
	runs       repository.RunRepository
	metrics    *observer.MetricsObserver
	stream     *observer.StreamObserver
	pipeline   pipeline.Pipeline
	handler    http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	components := factory.NewComponentFactory(cfg)

	// Build dependency graph
	store, err := components.StorageFactory.CreateStorage(factory.StorageType(cfg.StorageBackend))
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	keys, err := components.KeyFactory.CreateKeyGenerator(cfg.KeyStrategy)
	if err != nil {
		return nil, err
	}

	fetcher := storage.NewHTTPBlobFetcher(cfg.ImageFetchTimeout, cfg.MaxPayloadSize)
	uploader := storage.NewUploader(store, cfg.UploadTimeout)
	recognizer := recognition.NewVisionClient(cfg.OCREndpoint, cfg.OCRAPIKey, cfg.RecognitionTimeout)
	runs := repository.NewMemoryRunRepository(cfg.HistorySize)
	imageSource := source.Guard(source.NewPicker(), source.NewStaticPermissions(cfg.AllowLibrary, cfg.AllowCamera))

	metrics := observer.NewMetricsObserver()
	stream := observer.NewStreamObserver()
	publisher := observer.NewEventPublisher()
	publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))
	publisher.Subscribe(metrics)
	publisher.Subscribe(stream)

	p := pipeline.NewController(pipeline.Dependencies{
		Source:     imageSource,
		Fetcher:    fetcher,
		Uploader:   uploader,
		Keys:       keys,
		Recognizer: recognizer,
		Runs:       runs,
		Publisher:  publisher,
	})

	handler := transport.NewHandler(transport.Dependencies{
		Pipeline: p,
		Runs:     runs,
		Metrics:  metrics,
		Stream:   stream,
	}, cfg)

	return &Container{
		config:     cfg,
		fetcher:    fetcher,
		store:      store,
		uploader:   uploader,
		keys:       keys,
		recognizer: recognizer,
		runs:       runs,
		metrics:    metrics,
		stream:     stream,
		pipeline:   p,
		handler:    handler,
	}, nil
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Pipeline returns the pipeline controller
func (c *Container) Pipeline() pipeline.Pipeline {
	return c.pipeline
}

// Close stops background pipeline work.
func (c *Container) Close() {
	c.pipeline.Close()
}
