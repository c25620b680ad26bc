package factory

import (
	"fmt"

	"github.com/anime-shed/image-ocr-go/internal/config"
	"github.com/anime-shed/image-ocr-go/internal/keygen"
	"github.com/anime-shed/image-ocr-go/internal/storage"
)

// StorageType represents different types of storage backends
type StorageType string

const (
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = config.StorageAzure
	// LocalStorage for local file system
	LocalStorage StorageType = config.StorageLocal
)

// StorageFactory creates object stores
type StorageFactory interface {
	CreateStorage(storageType StorageType) (storage.ObjectStore, error)
}

// KeyFactory creates upload key generators
type KeyFactory interface {
	CreateKeyGenerator(strategy string) (keygen.Generator, error)
}

// storageFactory implements StorageFactory
type storageFactory struct {
	cfg *config.Config
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.Config) StorageFactory {
	return &storageFactory{cfg: cfg}
}

// CreateStorage creates a storage implementation based on the specified type
func (f *storageFactory) CreateStorage(storageType StorageType) (storage.ObjectStore, error) {
	switch storageType {
	case AzureStorage:
		return storage.NewAzureStore(f.cfg.AzureAccountName, f.cfg.AzureAccountKey, f.cfg.AzureContainer, f.cfg.PublicBaseURL)
	case LocalStorage:
		return storage.NewLocalStore(f.cfg.LocalStorageDir, f.cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// keyFactory implements KeyFactory
type keyFactory struct {
	prefix string
}

// NewKeyFactory creates generators that prepend prefix to every key
func NewKeyFactory(prefix string) KeyFactory {
	return &keyFactory{prefix: prefix}
}

func (f *keyFactory) CreateKeyGenerator(strategy string) (keygen.Generator, error) {
	return keygen.New(strategy, f.prefix)
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	StorageFactory StorageFactory
	KeyFactory     KeyFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		StorageFactory: NewStorageFactory(cfg),
		KeyFactory:     NewKeyFactory(cfg.KeyPrefix),
	}
}
