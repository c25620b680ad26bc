package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/image-ocr-go/internal/config"
	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/internal/logger"
	"github.com/anime-shed/image-ocr-go/internal/observer"
	"github.com/anime-shed/image-ocr-go/internal/pipeline"
	"github.com/anime-shed/image-ocr-go/internal/repository"
	"github.com/anime-shed/image-ocr-go/internal/source"
	"github.com/anime-shed/image-ocr-go/internal/storage"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// Dependencies are what the HTTP surface needs from the container.
type Dependencies struct {
	Pipeline pipeline.Pipeline
	Runs     repository.RunRepository
	Metrics  *observer.MetricsObserver
	Stream   *observer.StreamObserver
}

func NewHandler(deps Dependencies, cfg *config.Config) http.Handler {
	r := gin.Default()

	// Add middleware
	r.Use(
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck)
	r.GET("/state", getState(deps.Pipeline))
	r.GET("/events", streamEvents(deps.Pipeline, deps.Stream))
	r.POST("/image", selectImage(deps.Pipeline, cfg))
	r.POST("/upload", startUpload(deps.Pipeline, cfg))
	r.POST("/recognize", startRecognition(deps.Pipeline, cfg))
	r.POST("/retry", retry(deps.Pipeline, cfg))
	r.GET("/runs", listRuns(deps.Runs))
	r.GET("/runs/:id", getRun(deps.Runs))
	r.GET("/metrics", getMetrics(deps.Metrics))

	if cfg.StorageBackend == config.StorageLocal {
		r.Static(storage.ObjectsPath, cfg.LocalStorageDir)
	}

	return r
}

func getState(p pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.StateResponse{State: p.State()})
	}
}

func selectImage(p pipeline.Pipeline, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.SelectImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.WithError(err).WithField("ip", c.ClientIP()).Error("Invalid request format")
			_ = c.Error(apperrors.NewValidationError("invalid request format", err))
			return
		}

		mode, err := source.ParseMode(req.Mode)
		if err != nil {
			_ = c.Error(err)
			return
		}

		state, err := p.SelectImage(ctx, source.Request{Mode: mode, URI: req.URI, Cancelled: req.Cancelled})
		if source.IsCancelled(err) {
			c.JSON(http.StatusOK, models.StateResponse{State: state, Cancelled: true, Message: "image selection cancelled"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			return
		}

		logger.WithFields(logrus.Fields{
			"mode":       mode,
			"image":      state.Image,
			"generation": state.Generation,
		}).Info("Image selected")
		c.JSON(http.StatusOK, models.StateResponse{State: state})
	}
}

func startUpload(p pipeline.Pipeline, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()
		accepted(c)(p.StartUpload(ctx))
	}
}

func startRecognition(p pipeline.Pipeline, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		// The body is optional.
		var req models.RecognizeRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			_ = c.Error(apperrors.NewValidationError("invalid request format", err))
			return
		}

		accepted(c)(p.StartRecognition(ctx, pipeline.RecognizeOptions{ExpectedText: req.ExpectedText}))
	}
}

func retry(p pipeline.Pipeline, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()
		accepted(c)(p.Retry(ctx))
	}
}

// accepted writes 202 with the new state, or hands the error to errorHandler.
func accepted(c *gin.Context) func(pipeline.State, error) {
	return func(state pipeline.State, err error) {
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, models.StateResponse{State: state})
	}
}

// streamEvents sends the current state, then every state event as it
// happens, until the client disconnects.
func streamEvents(p pipeline.Pipeline, stream *observer.StreamObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := stream.Open()
		defer sub.Close()

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent("state", p.State())
		c.Writer.Flush()

		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return false
				}
				c.SSEvent(string(event.EventType), event)
				return true
			case <-ctx.Done():
				return false
			}
		})
	}
}

func getRun(runs repository.RunRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := runs.GetRun(c.Request.Context(), c.Param("id"))
		if errors.Is(err, repository.ErrRunNotFound) {
			_ = c.Error(apperrors.NewNotFoundError("run not found", err))
			return
		}
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func listRuns(runs repository.RunRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := runs.ListRuns(c.Request.Context(), models.ImageReference(c.Query("image")))
		if err != nil {
			_ = c.Error(err)
			return
		}
		if list == nil {
			list = []*models.RecognitionResult{}
		}
		c.JSON(http.StatusOK, models.RunListResponse{Runs: list})
	}
}

func getMetrics(m *observer.MetricsObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.GetMetrics())
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions
func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			respondError(c, determineStatusCode(err.Err), "request processing failed", err.Err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	// Fallback to context-based errors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	c.AbortWithStatusJSON(code, models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Type:    string(apperrors.TypeOf(err)),
	})
}
