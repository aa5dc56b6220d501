// Package config loads the engine's JSON configuration surface: the lists
// of scenes, lights, shaders and frame graphs to load, and which frame
// graph is active.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// Config is the root of the on-disk JSON configuration file.
type Config struct {
	Scenes          []string `json:"scenes"`
	Lights          []string `json:"lights"`
	Shaders         []string `json:"shaders"`
	FrameGraphs     []string `json:"frame_graphs"`
	FrameGraphIndex int      `json:"frame_graph_index"`

	// ShowScenes is the per-scene visibility table: single-writer (UI
	// thread during UI build), many-reader (recorder threads). Readers
	// tolerate arbitrary snapshots of a toggle made mid-frame, so atomic
	// loads/stores are enough without any further locking.
	ShowScenes []atomic.Bool `json:"-"`
}

// InitShowScenes (re)allocates the visibility table sized to n scenes, all
// visible by default.
func (c *Config) InitShowScenes(n int) {
	c.ShowScenes = make([]atomic.Bool, n)
	for i := range c.ShowScenes {
		c.ShowScenes[i].Store(true)
	}
}

// SceneVisible reports whether scene i should be drawn. An
// uninitialized table, or an index outside it, defaults to visible.
func (c *Config) SceneVisible(i int) bool {
	if i < 0 || i >= len(c.ShowScenes) {
		return true
	}
	return c.ShowScenes[i].Load()
}

// SetSceneVisible sets scene i's visibility. No-op outside the table's
// bounds.
func (c *Config) SetSceneVisible(i int, visible bool) {
	if i < 0 || i >= len(c.ShowScenes) {
		return
	}
	c.ShowScenes[i].Store(visible)
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.InitShowScenes(len(cfg.Scenes))
	return &cfg, nil
}

// Validate checks that frame_graph_index selects an entry actually present
// in frame_graphs.
func (c *Config) Validate() error {
	if len(c.FrameGraphs) == 0 {
		return fmt.Errorf("config: frame_graphs must not be empty")
	}
	if c.FrameGraphIndex < 0 || c.FrameGraphIndex >= len(c.FrameGraphs) {
		return fmt.Errorf("config: frame_graph_index %d out of range [0, %d)", c.FrameGraphIndex, len(c.FrameGraphs))
	}
	return nil
}

// ActiveFrameGraph returns the path of the frame graph selected by
// FrameGraphIndex.
func (c *Config) ActiveFrameGraph() string {
	return c.FrameGraphs[c.FrameGraphIndex]
}
