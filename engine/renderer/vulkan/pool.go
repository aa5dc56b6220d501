package vulkan

import "github.com/kaelforge/kaelforge/engine/renderer/lockpool"

// LockGroup names one of this package's serialization domains. Kept as a
// distinct type from lockpool.Group so call sites here read in terms of
// Vulkan subsystems rather than the generic pool's vocabulary.
type LockGroup string

const (
	SamplerManagement         LockGroup = "sampler_management"
	ResourceManagement        LockGroup = "resource_management"
	CommandBufferManagement   LockGroup = "command_buffer_management"
	RenderpassManagement      LockGroup = "renderpass_management"
	BufferManagement          LockGroup = "buffer_management"
	ImageManagement           LockGroup = "image_management"
	DeviceManagement          LockGroup = "device_management"
	CommandPoolManagement     LockGroup = "command_pool_management"
	QueueManagement           LockGroup = "queue_management"
	PipelineManagement        LockGroup = "pipeline_management"
	MemoryManagement          LockGroup = "memory_management"
	ShaderManagement          LockGroup = "shader_management"
	SynchronizationManagement LockGroup = "synchronization_management"
	SwapchainManagement       LockGroup = "swapchain_management"
	InstanceManagement        LockGroup = "instance_management"
)

// lockPool is the single serialization point every Vulkan call in this
// package that touches driver-global state routes through. Backed by the
// generalized engine/renderer/lockpool.Pool rather than a private mutex
// map, so the same per-group/per-queue-family locking semantics are
// available outside this package (e.g. to the command recorder).
var lockPool = newVulkanLockPool()

type VulkanLockPool struct {
	pool *lockpool.Pool
}

func newVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{pool: lockpool.New()}
}

// SafeCall runs fn while holding the mutex for group.
func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	return vs.pool.SafeCall(lockpool.Group(group), fn)
}

// SetQueueFamily registers index as a known queue family so subsequent
// SafeQueueCall invocations for it do not race its first creation.
func (vs *VulkanLockPool) SetQueueFamily(index uint32) {
	vs.pool.SafeQueueCall(index, func() error { return nil })
}

// SafeQueueCall runs fn while holding the mutex for the given queue family.
func (vs *VulkanLockPool) SafeQueueCall(queueFamilyIndex uint32, fn func() error) error {
	return vs.pool.SafeQueueCall(queueFamilyIndex, fn)
}
