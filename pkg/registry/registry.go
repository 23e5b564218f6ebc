// Package registry tracks named storage backends so application code
// can resolve them by name instead of wiring instances through call
// chains.
package registry

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/types"
)

// DefaultName is the name the unnamed store registers under.
const DefaultName = "default"

// Registry is a thread-safe name to backend mapping.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]types.Storage
	logger *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		stores: make(map[string]types.Storage),
		logger: slog.Default().With("component", "registry"),
	}
}

// Register adds a backend under name, replacing any previous entry.
func (r *Registry) Register(name string, store types.Storage) error {
	if name == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "store name must not be empty")
	}
	if store == nil {
		return errors.NewError(errors.ErrCodeValidationFailed, "store must not be nil")
	}
	r.mu.Lock()
	r.stores[name] = store
	r.mu.Unlock()
	return nil
}

// Get resolves a backend by name.
func (r *Registry) Get(name string) (types.Storage, error) {
	r.mu.RLock()
	store, ok := r.stores[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "no store registered under name "+name)
	}
	return store, nil
}

// Default resolves the store registered under DefaultName.
func (r *Registry) Default() (types.Storage, error) {
	return r.Get(DefaultName)
}

// Names lists the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ParamName derives the injection parameter name for a store: the
// default store injects as "storage", named stores as "<name>_storage".
func ParamName(name string) string {
	if name == DefaultName {
		return "storage"
	}
	return name + "_storage"
}

// Upload stores data on the named backend and returns the stored file
// together with an access URL.
func (r *Registry) Upload(ctx context.Context, name, key string, data io.Reader, opts *types.PutOptions) (types.UploadResult, error) {
	store, err := r.Get(name)
	if err != nil {
		return types.UploadResult{}, err
	}
	file, err := store.Put(ctx, key, data, opts)
	if err != nil {
		return types.UploadResult{}, err
	}
	url, err := store.URL(ctx, key, 0)
	if err != nil {
		return types.UploadResult{}, err
	}
	return types.UploadResult{File: file, URL: url}, nil
}

// CloseAll closes every registered backend. Failures are logged and do
// not stop the remaining closes; the first error is returned.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]types.Storage)
	r.mu.Unlock()

	var firstErr error
	for name, store := range stores {
		if err := store.Close(); err != nil {
			r.logger.Error("failed to close store", "name", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
