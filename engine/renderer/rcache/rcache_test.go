package rcache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCombineIsDeterministicAndOrderSensitive(t *testing.T) {
	a := Combine([]byte("vertex.vert"), []byte("USE_SKIN"))
	b := Combine([]byte("vertex.vert"), []byte("USE_SKIN"))
	if a != b {
		t.Fatalf("Combine not deterministic: %v != %v", a, b)
	}

	c := Combine([]byte("USE_SKIN"), []byte("vertex.vert"))
	if a == c {
		t.Fatalf("Combine should be order-sensitive")
	}
}

func TestCombineAvoidsPartBoundaryCollision(t *testing.T) {
	a := Combine([]byte("ab"), []byte("c"))
	b := Combine([]byte("a"), []byte("bc"))
	if a == b {
		t.Fatalf("Combine(\"ab\",\"c\") collided with Combine(\"a\",\"bc\")")
	}
}

func TestCacheGetOrCreateCallsOnceOnMiss(t *testing.T) {
	c := NewCache[int]()
	calls := 0
	create := func() (int, error) {
		calls++
		return 42, nil
	}

	v1, err := c.GetOrCreate(Key(1), create)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	v2, err := c.GetOrCreate(Key(1), create)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if v1 != 42 || v2 != 42 {
		t.Fatalf("got v1=%d v2=%d, want 42/42", v1, v2)
	}
	if calls != 1 {
		t.Fatalf("create called %d times, want 1", calls)
	}
}

func TestCacheGetMiss(t *testing.T) {
	c := NewCache[string]()
	if _, ok := c.Get(Key(99)); ok {
		t.Fatalf("Get on empty cache returned ok=true")
	}
}

func TestSpirvFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := Combine([]byte("frag.frag"))
	words := []uint32{0x07230203, 1, 2, 3, 4, 5}

	if err := StoreSpirvFile(dir, key, words); err != nil {
		t.Fatalf("StoreSpirvFile: %v", err)
	}
	got, ok, err := LoadSpirvFile(dir, key)
	if err != nil {
		t.Fatalf("LoadSpirvFile: %v", err)
	}
	if !ok {
		t.Fatalf("LoadSpirvFile: ok = false, want true")
	}
	if len(got) != len(words) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(words))
	}
	for i := range words {
		if got[i] != words[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], words[i])
		}
	}
}

func TestLoadSpirvFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := LoadSpirvFile(dir, Key(7))
	if err != nil {
		t.Fatalf("LoadSpirvFile: %v", err)
	}
	if ok {
		t.Fatalf("ok = true for missing file, want false")
	}
}

func TestLoadPipelineCacheFileRejectsShortHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.cache")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadPipelineCacheFile(path); err == nil {
		t.Fatalf("expected error for truncated pipeline cache header")
	}
}

func TestLoadPipelineCacheFileMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	data, err := loadPipelineCacheFile(filepath.Join(dir, "pipeline.cache"))
	if err != nil {
		t.Fatalf("loadPipelineCacheFile: %v", err)
	}
	if data != nil {
		t.Fatalf("data = %v, want nil", data)
	}
}
