package engine

import (
	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/rcache"
	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
	"github.com/kaelforge/kaelforge/engine/renderer/vulkan"
)

// Game is the embedding application's hook set. Loading scenes, shaders and
// frame graph assets off disk is the external asset collaborator's job
// (§6), so Game supplies the engine with already-resolved build inputs
// rather than paths.
type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}

	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize

	// FnBuildSubpassInput resolves one declarative subpass into the shaders,
	// scene primitives and GPU-layer handles the Subpass Builder needs to
	// compile pipelines and emit draw elements.
	FnBuildSubpassInput BuildSubpassInputFunc
}

// BuildSubpassInputFunc supplies subpass.Build's input for one subpass of
// one pass in the active frame graph. context gives access to the device's
// descriptor pools/default sampler so Build can allocate real descriptor
// sets and uniform buffers (§4.1, §4.4 steps 5-7).
type BuildSubpassInputFunc func(pass framegraph.Pass, sp framegraph.Subpass, frameCount uint32, device vk.Device, allocator *vk.AllocationCallbacks, caches *rcache.Caches, cacheDir string, context *vulkan.VulkanContext) (*subpass.BuildInput, error)

type Initialize func() error
type Update func(deltaTime float64) error
type Render func(deltaTime float64) error
type OnResize func(width uint32, height uint32) error
