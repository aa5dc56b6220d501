package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempConfig(t, `{
		"scenes": ["scenes/sponza.gltf"],
		"lights": ["lights/sun.json"],
		"shaders": ["shaders/pbr.vert.glsl", "shaders/pbr.frag.glsl"],
		"frame_graphs": ["graphs/forward.json", "graphs/deferred.json"],
		"frame_graph_index": 1
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.ActiveFrameGraph(), "graphs/deferred.json"; got != want {
		t.Fatalf("ActiveFrameGraph() = %q, want %q", got, want)
	}
}

func TestLoadIndexOutOfRange(t *testing.T) {
	path := writeTempConfig(t, `{"frame_graphs": ["a.json"], "frame_graph_index": 5}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range frame_graph_index")
	}
}

func TestLoadEmptyFrameGraphs(t *testing.T) {
	path := writeTempConfig(t, `{"frame_graph_index": 0}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty frame_graphs")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
