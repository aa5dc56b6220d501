// Package rcache implements the five content-addressed resource caches the
// Subpass Builder consults before asking the driver to compile or allocate
// anything: SPIR-V, descriptor-set layouts, pipeline layouts, shader
// modules, and pipelines (§4.4 steps 2-8, §12's disk-cache lifecycle).
package rcache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/core"
)

// Key is a content hash identifying a cache entry. Combined from a
// resource's constituent parts via Combine, matching the teacher's pattern
// of hashing shader source + macros + stage into one lookup key.
type Key uint64

// Combine folds a sequence of byte slices into one Key using FNV-1a, the
// same hashing approach the rest of the corpus reaches for when no
// dedicated hashing library is present (no third-party hash library
// appears in any _examples go.mod).
func Combine(parts ...[]byte) Key {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0}) // part separator, avoids ("ab","c") colliding with ("a","bc")
	}
	return Key(h.Sum64())
}

// CombineUint32 folds a sequence of uint32s (set/binding pairs, stage
// masks) into a Key alongside any byte-slice parts.
func CombineUint32(values []uint32, parts ...[]byte) Key {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return Combine(append([][]byte{buf}, parts...)...)
}

// Cache is a generic, mutex-guarded content-addressed map, the pattern
// repeated five times below for each resource kind.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[Key]V
}

// NewCache constructs an empty Cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{items: make(map[Key]V)}
}

// Get returns the cached value for key, if present.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Put inserts or overwrites the cached value for key.
func (c *Cache[V]) Put(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// GetOrCreate returns the cached value for key, calling create and caching
// its result if absent. create is called at most once per key even under
// concurrent callers racing the same miss — the second caller blocks on
// the lock rather than also compiling.
func (c *Cache[V]) GetOrCreate(key Key, create func() (V, error)) (V, error) {
	c.mu.RLock()
	if v, ok := c.items[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.items[key] = v
	return v, nil
}

// Spirv is a compiled SPIR-V binary (as little-endian u32 words) keyed by
// source + macro set + stage.
type Spirv struct {
	Words []uint32
}

// DescriptorSetLayout wraps a built vk.DescriptorSetLayout.
type DescriptorSetLayout struct {
	Handle vk.DescriptorSetLayout
}

// PipelineLayout wraps a built vk.PipelineLayout.
type PipelineLayout struct {
	Handle vk.PipelineLayout
}

// ShaderModule wraps a built vk.ShaderModule.
type ShaderModule struct {
	Handle vk.ShaderModule
}

// Pipeline wraps a built vk.Pipeline.
type Pipeline struct {
	Handle vk.Pipeline
}

// Caches bundles the five resource caches plus the shared on-disk
// pipeline-cache handle that backs pipeline compilation (§12).
type Caches struct {
	Spirv                *Cache[Spirv]
	DescriptorSetLayouts *Cache[DescriptorSetLayout]
	PipelineLayouts      *Cache[PipelineLayout]
	ShaderModules        *Cache[ShaderModule]
	Pipelines            *Cache[Pipeline]

	device       vk.Device
	allocator    *vk.AllocationCallbacks
	pipelineCache vk.PipelineCache
	cacheDir     string
}

// New constructs the cache set and loads (or creates) the on-disk
// vk.PipelineCache backing store at <cacheDir>/pipeline.cache.
func New(device vk.Device, allocator *vk.AllocationCallbacks, cacheDir string) (*Caches, error) {
	c := &Caches{
		Spirv:                NewCache[Spirv](),
		DescriptorSetLayouts: NewCache[DescriptorSetLayout](),
		PipelineLayouts:      NewCache[PipelineLayout](),
		ShaderModules:        NewCache[ShaderModule](),
		Pipelines:            NewCache[Pipeline](),
		device:               device,
		allocator:            allocator,
		cacheDir:             cacheDir,
	}

	initialData, err := loadPipelineCacheFile(pipelineCacheFilePath(cacheDir))
	if err != nil {
		core.With("component", "rcache").Warn("discarding on-disk pipeline cache", "err", err)
		initialData = nil
	}

	createInfo := vk.PipelineCacheCreateInfo{
		SType:           vk.StructureTypePipelineCacheCreateInfo,
		InitialDataSize: uint(len(initialData)),
	}
	if len(initialData) > 0 {
		createInfo.PInitialData = initialData
	}

	var handle vk.PipelineCache
	if result := vk.CreatePipelineCache(device, &createInfo, allocator, &handle); result != vk.Success {
		return nil, core.NewError(core.KindCacheCorruptError, "rcache.New", fmt.Errorf("vkCreatePipelineCache: %d", result))
	}
	c.pipelineCache = handle
	return c, nil
}

// PipelineCache returns the shared vk.PipelineCache handle pipeline
// creation should be submitted against, so repeated compiles of
// structurally similar pipelines reuse driver-side compiled state.
func (c *Caches) PipelineCache() vk.PipelineCache {
	return c.pipelineCache
}

// Flush retrieves the current driver-side pipeline cache blob via
// vkGetPipelineCacheData and writes it unchanged to
// <cacheDir>/pipeline.cache. The blob already begins with the driver's
// pipeline-cache header, which loadPipelineCacheFile checks on the next load.
func (c *Caches) Flush() error {
	var dataSize uint
	if result := vk.GetPipelineCacheData(c.device, c.pipelineCache, &dataSize, nil); result != vk.Success {
		return core.NewError(core.KindCacheCorruptError, "Caches.Flush", fmt.Errorf("vkGetPipelineCacheData(size): %d", result))
	}
	if dataSize == 0 {
		return nil
	}
	data := make([]byte, dataSize)
	if result := vk.GetPipelineCacheData(c.device, c.pipelineCache, &dataSize, data); result != vk.Success {
		return core.NewError(core.KindCacheCorruptError, "Caches.Flush", fmt.Errorf("vkGetPipelineCacheData: %d", result))
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return fmt.Errorf("rcache: mkdir cache dir: %w", err)
	}
	return os.WriteFile(pipelineCacheFilePath(c.cacheDir), data[:dataSize], 0o644)
}

// Destroy releases the driver-side pipeline cache handle. Callers are
// expected to have already destroyed any cached DescriptorSetLayouts,
// PipelineLayouts, ShaderModules, and Pipelines they obtained.
func (c *Caches) Destroy() {
	if c.pipelineCache != nil {
		vk.DestroyPipelineCache(c.device, c.pipelineCache, c.allocator)
		c.pipelineCache = nil
	}
}

func pipelineCacheFilePath(dir string) string {
	return filepath.Join(dir, "pipeline.cache")
}

// pipelineCacheHeader is the 32-byte VkPipelineCacheHeaderVersionOne
// prefix every blob vkGetPipelineCacheData emits begins with.
// loadPipelineCacheFile checks its header size and header version; the
// vendor and device IDs are read but not compared with the running device,
// so a blob written on another GPU is passed on to vkCreatePipelineCache.
type pipelineCacheHeader struct {
	HeaderSize    uint32
	HeaderVersion uint32
	VendorID      uint32
	DeviceID      uint32
	PipelineCacheUUID [16]byte
}

const pipelineCacheHeaderSize = 4 + 4 + 4 + 4 + 16

// loadPipelineCacheFile reads and header-validates a previously flushed
// pipeline cache blob. A structurally invalid header is not an error the
// caller should fail startup over — it just means start from an empty
// cache, so the caller logs and discards rather than propagating.
func loadPipelineCacheFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) < pipelineCacheHeaderSize {
		return nil, fmt.Errorf("rcache: pipeline cache file %s too short (%d bytes)", path, len(data))
	}
	var hdr pipelineCacheHeader
	hdr.HeaderSize = binary.LittleEndian.Uint32(data[0:4])
	hdr.HeaderVersion = binary.LittleEndian.Uint32(data[4:8])
	hdr.VendorID = binary.LittleEndian.Uint32(data[8:12])
	hdr.DeviceID = binary.LittleEndian.Uint32(data[12:16])
	if hdr.HeaderSize != pipelineCacheHeaderSize {
		return nil, fmt.Errorf("rcache: pipeline cache file %s has header size %d, want %d", path, hdr.HeaderSize, pipelineCacheHeaderSize)
	}
	if hdr.HeaderVersion != 1 { // VK_PIPELINE_CACHE_HEADER_VERSION_ONE
		return nil, fmt.Errorf("rcache: pipeline cache file %s has header version %d, want 1", path, hdr.HeaderVersion)
	}
	return data, nil
}

// SpirvCacheFilePath returns the on-disk path for a SPIR-V blob keyed by
// key: <cacheDir>/spirv_<hash>.cache, with the hash as 16 hex digits.
func SpirvCacheFilePath(cacheDir string, key Key) string {
	return filepath.Join(cacheDir, fmt.Sprintf("spirv_%016x.cache", uint64(key)))
}

// LoadSpirvFile reads a previously compiled SPIR-V blob from disk, if
// present, decoding it from little-endian u32 words.
func LoadSpirvFile(cacheDir string, key Key) ([]uint32, bool, error) {
	data, err := os.ReadFile(SpirvCacheFilePath(cacheDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data)%4 != 0 {
		return nil, false, fmt.Errorf("rcache: spirv cache file for %016x has non-multiple-of-4 length %d", uint64(key), len(data))
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words, true, nil
}

// StoreSpirvFile writes a compiled SPIR-V blob to disk for future runs.
func StoreSpirvFile(cacheDir string, key Key, words []uint32) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("rcache: mkdir cache dir: %w", err)
	}
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	return os.WriteFile(SpirvCacheFilePath(cacheDir, key), data, 0o644)
}
