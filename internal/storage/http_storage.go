package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// BlobFetcher reads the bytes behind an image reference into a Payload.
type BlobFetcher interface {
	FetchBytes(ctx context.Context, ref models.ImageReference) (*models.Payload, error)
}

// HTTPBlobFetcher resolves file:// references from disk and http(s)://
// references over the network. Each fetch is attempted once.
type HTTPBlobFetcher struct {
	client  *http.Client
	timeout time.Duration
	maxSize int64
}

// NewHTTPBlobFetcher creates a fetcher bounded by timeout and maxSize bytes
func NewHTTPBlobFetcher(timeout time.Duration, maxSize int64) BlobFetcher {
	// Connection pooling sized for single image downloads
	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		MaxIdleConns:           10,
		MaxIdleConnsPerHost:    2,
		IdleConnTimeout:        30 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  10 * time.Second,
		ExpectContinueTimeout:  1 * time.Second,
		MaxResponseHeaderBytes: 4096,
	}

	return &HTTPBlobFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		timeout: timeout,
		maxSize: maxSize,
	}
}

func (h *HTTPBlobFetcher) FetchBytes(ctx context.Context, ref models.ImageReference) (*models.Payload, error) {
	u, err := url.Parse(string(ref))
	if err != nil {
		return nil, apperrors.NewNetworkError("invalid image reference", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch u.Scheme {
	case "file":
		return h.readFile(ctx, u.Path)
	case "http", "https":
		return h.fetchHTTP(ctx, u.String())
	default:
		return nil, apperrors.NewNetworkError(fmt.Sprintf("unsupported image reference scheme %q", u.Scheme), nil)
	}
}

func (h *HTTPBlobFetcher) readFile(ctx context.Context, path string) (*models.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyFetchError(err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to open image file", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if info.IsDir() {
			return nil, apperrors.NewNetworkError("image reference points to a directory", nil)
		}
		if info.Size() > h.maxSize {
			return nil, tooLarge(info.Size(), h.maxSize)
		}
	}

	data, err := h.readLimited(f)
	if err != nil {
		return nil, err
	}
	return models.NewPayload(data, mimetype.Detect(data).String()), nil
}

func (h *HTTPBlobFetcher) fetchHTTP(ctx context.Context, imageURL string) (*models.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, apperrors.NewNetworkError("invalid image URL", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Image-OCR/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to fetch image: status code %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > h.maxSize {
		return nil, tooLarge(resp.ContentLength, h.maxSize)
	}

	data, err := h.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	contentType := imageMediaType(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return models.NewPayload(data, contentType), nil
}

func (h *HTTPBlobFetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, h.maxSize+1))
	if err != nil {
		return nil, classifyFetchError(err)
	}
	if int64(len(data)) > h.maxSize {
		return nil, tooLarge(int64(len(data)), h.maxSize)
	}
	if len(data) == 0 {
		return nil, apperrors.NewNetworkError("image is empty", nil)
	}
	return data, nil
}

// imageMediaType returns the media type of an image/* header value, or "".
func imageMediaType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	return mediaType
}

func tooLarge(size, limit int64) error {
	return apperrors.NewNetworkError(fmt.Sprintf("image is %d bytes, limit is %d", size, limit), nil)
}

func classifyFetchError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.NewTimeoutError("image fetch timed out", err)
	}
	return apperrors.NewNetworkError("failed to fetch image", err)
}
