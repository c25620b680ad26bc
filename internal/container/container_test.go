package container

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/image-ocr-go/internal/config"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Host:               "127.0.0.1",
		Port:               "8080",
		RequestTimeout:     time.Second,
		ImageFetchTimeout:  time.Second,
		UploadTimeout:      time.Second,
		RecognitionTimeout: time.Second,
		MaxRequestBodySize: 1 << 20,
		MaxPayloadSize:     1 << 20,
		StorageBackend:     config.StorageLocal,
		LocalStorageDir:    t.TempDir(),
		PublicBaseURL:      "http://127.0.0.1:8080",
		KeyStrategy:        config.KeyStrategyTimestamp,
		OCREndpoint:        "http://127.0.0.1:1/v1/images:annotate",
		AllowLibrary:       true,
		HistorySize:        5,
	}
}

func TestNewContainer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)

	c, err := NewContainer(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.Same(t, cfg, c.Config())
	assert.Equal(t, models.StageIdle, c.Pipeline().State().Stage)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"idle"`)
}

func TestNewContainer_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = "s3"

	_, err := NewContainer(cfg)
	assert.Error(t, err)
}

func TestNewContainer_UnknownKeyStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeyStrategy = "sequence"

	_, err := NewContainer(cfg)
	assert.Error(t, err)
}
