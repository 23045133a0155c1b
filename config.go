package tsdf

import (
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"
)

// Config is the file form of the volume and executor settings. Fields left
// out of the file keep their DefaultConfig values.
type Config struct {
	Scene         SceneParams `json:"scene"`
	BlockCapacity int         `json:"block_capacity"`
	BucketCount   int         `json:"bucket_count"`
	ExcessCount   int         `json:"excess_count"`
	Compress      bool        `json:"compress"`
	Workers       int         `json:"workers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	o := defaultVolumeOptions()
	return Config{
		Scene:         DefaultSceneParams(),
		BlockCapacity: o.blocks,
		BucketCount:   o.buckets,
		ExcessCount:   o.excess,
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // config path comes from the operator
	if err != nil {
		return c, fmt.Errorf("tsdf: config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("tsdf: config %s: %w", path, err)
	}
	if err := c.Scene.Validate(); err != nil {
		return c, fmt.Errorf("tsdf: config %s: %w", path, err)
	}
	return c, nil
}

// VolumeOptions converts the table settings into volume options.
func (c Config) VolumeOptions() []Option {
	return []Option{
		WithBlockCapacity(c.BlockCapacity),
		WithBucketCount(c.BucketCount),
		WithExcessCount(c.ExcessCount),
		WithCompression(c.Compress),
	}
}
