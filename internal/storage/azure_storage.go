package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

type azureStore struct {
	client        *azblob.Client
	container     string
	publicBaseURL string
}

// NewAzureStore stores objects as block blobs in container. When
// publicBaseURL is set, download URLs are built from it (for a CDN in front
// of the account); otherwise the blob endpoint URL is returned.
func NewAzureStore(accountName, accountKey, container, publicBaseURL string) (ObjectStore, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &azureStore{
		client:        client,
		container:     container,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *azureStore) Put(ctx context.Context, key string, data []byte, contentType string, progress func(bytesTransferred int64)) error {
	opts := &azblob.UploadBufferOptions{
		Progress: progress,
	}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, opts); err != nil {
		return fmt.Errorf("upload to %s/%s failed: %w", s.container, key, err)
	}
	return nil
}

func (s *azureStore) ResolveURL(ctx context.Context, key string) (string, error) {
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.container, escapeKey(key)), nil
	}
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key).URL(), nil
}
