// Package recognition extracts text from stored images through a hosted OCR
// endpoint and scores it against expected text.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/internal/logger"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// FeatureDocumentText is the only feature requested from the OCR backend.
const FeatureDocumentText = "DOCUMENT_TEXT_DETECTION"

// Recognizer extracts text from an image reachable at a public URL.
type Recognizer interface {
	Recognize(ctx context.Context, url models.RemoteURL) (*models.RecognitionResult, error)
}

type VisionClient struct {
	httpClient *resty.Client
	endpoint   string
	apiKey     string
	timeout    time.Duration
}

// NewVisionClient sends annotate requests to endpoint, authenticated by the
// "key" query parameter. Requests are not retried.
func NewVisionClient(endpoint, apiKey string, timeout time.Duration) Recognizer {
	return &VisionClient{
		httpClient: resty.New().
			SetDebug(false).
			SetRetryCount(0).
			SetHeaders(map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
				"User-Agent":   "Image-OCR/1.0",
			}),
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
	}
}

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Features []feature  `json:"features"`
	Image    imageInput `json:"image"`
}

type feature struct {
	Type string `json:"type"`
}

type imageInput struct {
	Source imageSource `json:"source"`
}

type imageSource struct {
	ImageURI string `json:"imageUri"`
}

type annotateResponse struct {
	Responses []imageResponse `json:"responses"`
}

type imageResponse struct {
	TextAnnotations []textAnnotation `json:"textAnnotations"`
	Error           *statusError     `json:"error"`
}

type textAnnotation struct {
	Description *string `json:"description"`
}

type statusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// BuildRequestBody returns the annotate request for imageURL.
func BuildRequestBody(imageURL string) ([]byte, error) {
	body := annotateRequest{
		Requests: []imageRequest{{
			Features: []feature{{Type: FeatureDocumentText}},
			Image:    imageInput{Source: imageSource{ImageURI: imageURL}},
		}},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *VisionClient) Recognize(ctx context.Context, url models.RemoteURL) (*models.RecognitionResult, error) {
	if url == "" {
		return nil, apperrors.NewValidationError("image URL is required", nil)
	}
	body, err := BuildRequestBody(string(url))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode OCR request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(body).
		Post(c.endpoint)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewTimeoutError("OCR request timed out", err)
		}
		return nil, apperrors.NewRequestError("OCR request failed", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, apperrors.NewRequestError(statusMessage(resp.StatusCode(), resp.Body()), nil)
	}

	text, err := ParseResponse(resp.Body())
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	logger.WithField("url", url).WithField("chars", len(text)).WithField("duration_sec", duration.Seconds()).Debug("OCR request succeeded")

	return &models.RecognitionResult{
		URL:          url,
		Text:         text,
		Raw:          json.RawMessage(append([]byte(nil), resp.Body()...)),
		RecognizedAt: time.Now().UTC(),
		DurationSec:  duration.Seconds(),
	}, nil
}

// ParseResponse extracts the full text annotation of the first image.
func ParseResponse(body []byte) (string, error) {
	var parsed annotateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperrors.NewParseError("OCR response could not be decoded", err)
	}
	if len(parsed.Responses) == 0 {
		return "", apperrors.NewParseError("OCR response has no responses", nil)
	}

	first := parsed.Responses[0]
	if first.Error != nil && (first.Error.Code != 0 || first.Error.Message != "") {
		return "", apperrors.NewRequestError(fmt.Sprintf("OCR backend rejected the image: %s", first.Error.describe()), nil)
	}
	if len(first.TextAnnotations) == 0 {
		return "", apperrors.NewParseError("OCR response has no text annotations", nil)
	}
	if first.TextAnnotations[0].Description == nil {
		return "", apperrors.NewParseError("OCR text annotation has no description", nil)
	}
	return *first.TextAnnotations[0].Description, nil
}

func (e *statusError) describe() string {
	parts := make([]string, 0, 3)
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code %d", e.Code))
	}
	if e.Status != "" {
		parts = append(parts, e.Status)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ", ")
}

// statusMessage includes the backend's error message when the body carries one.
func statusMessage(status int, body []byte) string {
	var envelope struct {
		Error *statusError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return fmt.Sprintf("OCR request failed with status %d: %s", status, envelope.Error.Message)
	}
	return fmt.Sprintf("OCR request failed with status %d", status)
}
