package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// Factory builds a Provider for one config.
type Factory func(ctx context.Context, cfg models.StorageConfig) (Provider, error)

// Registry maps provider tags to factories. Adapters are built per call
// and hold no state beyond their config.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.ProviderKind]Factory
	uploader  FileUploader
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ProviderKind]Factory)}
}

// DefaultRegistry serves every supported tag through the S3 API.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, kind := range []models.ProviderKind{
		models.ProviderR2, models.ProviderAWS, models.ProviderMinIO, models.ProviderRustFS,
	} {
		r.Register(kind, NewS3Provider)
	}
	return r
}

func (r *Registry) Register(kind models.ProviderKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// SetUploader attaches the engine Adapter.UploadFile delegates to.
func (r *Registry) SetUploader(u FileUploader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploader = u
}

// Open validates cfg and returns an adapter bound to it. Credential errors
// are reported before any network call.
func (r *Registry) Open(ctx context.Context, cfg models.StorageConfig) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	f, ok := r.factories[cfg.Provider]
	uploader := r.uploader
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownProvider, cfg.Provider)
	}

	p, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}
	return &Adapter{cfg: cfg, provider: p, uploader: uploader}, nil
}
