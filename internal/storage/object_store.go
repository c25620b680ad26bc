package storage

import (
	"context"
	"net/url"
	"strings"
)

// ObjectStore is the remote object storage the uploader writes to.
type ObjectStore interface {
	// Put stores data under key. progress, when non-nil, receives the number
	// of bytes transferred so far and may be called from another goroutine.
	Put(ctx context.Context, key string, data []byte, contentType string, progress func(bytesTransferred int64)) error
	// ResolveURL returns a publicly dereferenceable URL for a stored key.
	ResolveURL(ctx context.Context, key string) (string, error)
}

// escapeKey escapes each path segment of a slash separated key.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
