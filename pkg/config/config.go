// Package config loads storage declarations from YAML and turns them
// into a populated registry.
package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/registry"
	"github.com/stowage/stowage/pkg/storage/azure"
	"github.com/stowage/stowage/pkg/storage/fs"
	"github.com/stowage/stowage/pkg/storage/gcs"
	"github.com/stowage/stowage/pkg/storage/memory"
	"github.com/stowage/stowage/pkg/storage/s3"
	"github.com/stowage/stowage/pkg/types"
)

// Backend names accepted in store declarations.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "fs"
	BackendS3         = "s3"
	BackendGCS        = "gcs"
	BackendAzure      = "azure"
)

// File is the top-level configuration document.
type File struct {
	Stores map[string]StoreConfig `yaml:"stores"`
}

// StoreConfig declares one named store. Backend selects which of the
// per-backend sections applies.
type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	Memory     memory.Config `yaml:"memory"`
	Filesystem fs.Config     `yaml:"filesystem"`
	S3         s3.Config     `yaml:"s3"`
	GCS        gcs.Config    `yaml:"gcs"`
	Azure      azure.Config  `yaml:"azure"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMissingConfig, "failed to read config file", err)
	}
	return Parse(data)
}

// Parse unmarshals a YAML configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to parse config file", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every store declaration names a known backend.
func (f *File) Validate() error {
	if len(f.Stores) == 0 {
		return errors.NewError(errors.ErrCodeMissingConfig, "no stores declared")
	}
	for name, store := range f.Stores {
		switch store.Backend {
		case BackendMemory, BackendFilesystem, BackendS3, BackendGCS, BackendAzure:
		case "":
			return errors.NewError(errors.ErrCodeMissingConfig, "store "+name+" has no backend")
		default:
			return errors.NewError(errors.ErrCodeInvalidConfig,
				"store "+name+" declares unknown backend "+store.Backend)
		}
	}
	return nil
}

// Build creates every declared store and registers it by name. On
// failure, stores created so far are closed.
func (f *File) Build() (*registry.Registry, error) {
	reg := registry.New()
	for name, cfg := range f.Stores {
		store, err := buildStore(cfg)
		if err != nil {
			_ = reg.CloseAll()
			code := errors.CodeOf(err)
			if code == "" {
				code = errors.ErrCodeInvalidConfig
			}
			return nil, errors.Wrap(code, "store "+name+" failed to build", err)
		}
		if err := reg.Register(name, store); err != nil {
			_ = reg.CloseAll()
			return nil, err
		}
	}
	return reg, nil
}

func buildStore(cfg StoreConfig) (types.Storage, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memory.New(cfg.Memory), nil
	case BackendFilesystem:
		return fs.New(cfg.Filesystem)
	case BackendS3:
		return s3.New(cfg.S3)
	case BackendGCS:
		return gcs.New(cfg.GCS)
	case BackendAzure:
		return azure.New(cfg.Azure)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown backend "+cfg.Backend)
	}
}
