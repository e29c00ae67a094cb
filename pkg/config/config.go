package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KevoDB/indy/pkg/telemetry"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// FileServiceBackend selects the catalog implementation behind the file service.
type FileServiceBackend string

const (
	FileServiceMemory FileServiceBackend = "memory"
	FileServiceBadger FileServiceBackend = "badger"
)

// Config holds every tunable of an Indy engine instance.
type Config struct {
	Version int `json:"version"`

	// Block pool configuration
	PoolBlockSize  int  `json:"pool_block_size"`
	PoolBlockCount int  `json:"pool_block_count"`
	PoolPin        bool `json:"pool_pin"`
	PoolDebug      bool `json:"pool_debug"`
	PoolMaxRetries int  `json:"pool_max_retries"`

	// Volume configuration
	VolumePath      string `json:"volume_path"`
	VolumeBlockSize int    `json:"volume_block_size"`
	VolumeNumBlocks int    `json:"volume_num_blocks"`
	CacheBlocks     int    `json:"cache_blocks"`
	CacheAdmitHits  int    `json:"cache_admit_hits"`

	// Data layer configuration
	MemLayerFlushBytes int64 `json:"mem_layer_flush_bytes"`
	DataBlockSize      int   `json:"data_block_size"`
	MergeFanIn         int   `json:"merge_fan_in"`
	FlushInterval      int64 `json:"flush_interval"` // seconds

	// Durable manager configuration
	DurableWriteDelay    time.Duration `json:"durable_write_delay"`
	DurableMergeDelay    time.Duration `json:"durable_merge_delay"`
	DurableMappingBlocks int           `json:"durable_mapping_blocks"`

	// File service configuration
	FileService    FileServiceBackend `json:"file_service"`
	FileServiceDir string             `json:"file_service_dir"`

	// Fiber runtime configuration
	FiberRunners         int `json:"fiber_runners"`
	FiberFramesPerRunner int `json:"fiber_frames_per_runner"`
	FiberStackSize       int `json:"fiber_stack_size"`

	// Telemetry configuration
	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		PoolBlockSize:  4 * 1024,
		PoolBlockCount: 16 * 1024, // 64MB arena
		PoolPin:        true,
		PoolMaxRetries: 2000,

		VolumePath:      filepath.Join(dbPath, "volume.dat"),
		VolumeBlockSize: 64 * 1024,
		VolumeNumBlocks: 16 * 1024, // 1GB
		CacheBlocks:     1024,
		CacheAdmitHits:  1,

		MemLayerFlushBytes: 16 * 1024 * 1024,
		DataBlockSize:      16 * 1024,
		MergeFanIn:         3,
		FlushInterval:      10,

		DurableWriteDelay:    2 * time.Second,
		DurableMergeDelay:    10 * time.Second,
		DurableMappingBlocks: 256,

		FileService:    FileServiceBadger,
		FileServiceDir: filepath.Join(dbPath, "catalog"),

		FiberRunners:         4,
		FiberFramesPerRunner: 20,
		FiberStackSize:       8 * 1024 * 1024,

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if c.PoolBlockSize < 64 {
		return fmt.Errorf("%w: pool block size must be at least 64 bytes", ErrInvalidConfig)
	}
	if c.PoolBlockCount <= 0 {
		return fmt.Errorf("%w: pool block count must be positive", ErrInvalidConfig)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("%w: pool max retries cannot be negative", ErrInvalidConfig)
	}
	if c.VolumeBlockSize < 4096 || c.VolumeBlockSize%4096 != 0 {
		return fmt.Errorf("%w: volume block size must be a positive multiple of 4096", ErrInvalidConfig)
	}
	if c.VolumeNumBlocks <= 0 {
		return fmt.Errorf("%w: volume must have at least one block", ErrInvalidConfig)
	}
	if c.CacheBlocks < 0 {
		return fmt.Errorf("%w: cache blocks cannot be negative", ErrInvalidConfig)
	}
	if c.MemLayerFlushBytes <= 0 {
		return fmt.Errorf("%w: memory layer flush threshold must be positive", ErrInvalidConfig)
	}
	if c.DataBlockSize <= 0 || c.DataBlockSize > c.VolumeBlockSize {
		return fmt.Errorf("%w: data block size must be positive and no larger than the volume block size", ErrInvalidConfig)
	}
	if c.MergeFanIn < 2 {
		return fmt.Errorf("%w: merge fan-in must be at least 2", ErrInvalidConfig)
	}
	if c.DurableWriteDelay <= 0 || c.DurableMergeDelay <= 0 {
		return fmt.Errorf("%w: durable writer and merger delays must be positive", ErrInvalidConfig)
	}
	if c.DurableMappingBlocks <= 0 {
		return fmt.Errorf("%w: durable mapping blocks must be positive", ErrInvalidConfig)
	}
	switch c.FileService {
	case FileServiceMemory:
	case FileServiceBadger:
		if c.FileServiceDir == "" {
			return fmt.Errorf("%w: badger file service needs a directory", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown file service backend %q", ErrInvalidConfig, c.FileService)
	}
	if c.FiberRunners <= 0 || c.FiberFramesPerRunner <= 0 {
		return fmt.Errorf("%w: fiber runners and frames per runner must be positive", ErrInvalidConfig)
	}
	if c.FiberStackSize < 64*1024 {
		return fmt.Errorf("%w: fiber stack size must be at least 64KB", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromManifest loads the configuration saved in the manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	cfg := NewDefaultConfig(dbPath)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if cfg.Version > CurrentManifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, cfg.Version)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveManifest saves the configuration to the manifest file
func (c *Config) SaveManifest(dbPath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
