package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/core"
)

// BindlessSamplerCapacity and BindlessSampledImageCapacity bound the
// bindless descriptor pool (§4.1) and the indices the Subpass Builder may
// hand out via its sampler/image bindless index maps.
const (
	BindlessSamplerCapacity      = 128
	BindlessSampledImageCapacity = 1024
)

// normalPoolDescriptorCount is the per-type capacity of the "normal"
// descriptor pool every non-bindless descriptor set is allocated from.
const normalPoolDescriptorCount = 1024

// normalPoolTypes lists the eleven core descriptor types the normal pool
// reserves capacity for.
var normalPoolTypes = []vk.DescriptorType{
	vk.DescriptorTypeSampler,
	vk.DescriptorTypeCombinedImageSampler,
	vk.DescriptorTypeSampledImage,
	vk.DescriptorTypeStorageImage,
	vk.DescriptorTypeUniformTexelBuffer,
	vk.DescriptorTypeStorageTexelBuffer,
	vk.DescriptorTypeUniformBuffer,
	vk.DescriptorTypeStorageBuffer,
	vk.DescriptorTypeUniformBufferDynamic,
	vk.DescriptorTypeStorageBufferDynamic,
	vk.DescriptorTypeInputAttachment,
}

// DescriptorPools bundles the bindless and normal descriptor pools a
// VulkanDevice owns (§4.1).
type DescriptorPools struct {
	Bindless vk.DescriptorPool
	Normal   vk.DescriptorPool
}

// DefaultSampler is the device's default repeat-linear sampler, used by
// any draw element whose material does not specify one.
type DefaultSampler struct {
	Handle vk.Sampler
}

// RequiredDeviceFeaturesVulkan12 describes the Vulkan 1.2 feature set the
// engine requires: descriptor indexing (partial-bind, runtime arrays,
// update-after-bind, non-uniform sampled image indexing) and timeline
// semaphores. Synchronization2 is not part of this struct.
func RequiredDeviceFeaturesVulkan12() vk.PhysicalDeviceVulkan12Features {
	f := vk.PhysicalDeviceVulkan12Features{
		SType:                                       vk.StructureTypePhysicalDeviceVulkan12Features,
		TimelineSemaphore:                           vk.True,
		DescriptorIndexing:                          vk.True,
		DescriptorBindingPartiallyBound:              vk.True,
		RuntimeDescriptorArray:                      vk.True,
		ShaderSampledImageArrayNonUniformIndexing:   vk.True,
		DescriptorBindingUpdateUnusedWhilePending:   vk.True,
		DescriptorBindingSampledImageUpdateAfterBind: vk.True,
	}
	f.Deref()
	return f
}

// CreateDescriptorPools creates the bindless and normal descriptor pools
// (§4.1's pool table) on the given device.
func CreateDescriptorPools(context *VulkanContext) (*DescriptorPools, error) {
	bindlessSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeSampler, DescriptorCount: BindlessSamplerCapacity},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: BindlessSampledImageCapacity},
	}
	var bindlessMaxSets uint32
	for _, s := range bindlessSizes {
		bindlessMaxSets += s.DescriptorCount
	}

	bindlessCreateInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit) | vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       bindlessMaxSets,
		PoolSizeCount: uint32(len(bindlessSizes)),
		PPoolSizes:    bindlessSizes,
	}
	bindlessCreateInfo.Deref()

	var bindlessPool vk.DescriptorPool
	if err := lockPool.SafeCall(ResourceManagement, func() error {
		if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &bindlessCreateInfo, context.Allocator, &bindlessPool); !VulkanResultIsSuccess(res) {
			return core.NewError(core.KindDescriptorAllocationError, "CreateDescriptorPools.bindless", fmt.Errorf("%s", VulkanResultString(res, true)))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	normalSizes := make([]vk.DescriptorPoolSize, len(normalPoolTypes))
	var normalMaxSets uint32
	for i, t := range normalPoolTypes {
		normalSizes[i] = vk.DescriptorPoolSize{Type: t, DescriptorCount: normalPoolDescriptorCount}
		normalMaxSets += normalPoolDescriptorCount
	}

	normalCreateInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       normalMaxSets,
		PoolSizeCount: uint32(len(normalSizes)),
		PPoolSizes:    normalSizes,
	}
	normalCreateInfo.Deref()

	var normalPool vk.DescriptorPool
	if err := lockPool.SafeCall(ResourceManagement, func() error {
		if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &normalCreateInfo, context.Allocator, &normalPool); !VulkanResultIsSuccess(res) {
			return core.NewError(core.KindDescriptorAllocationError, "CreateDescriptorPools.normal", fmt.Errorf("%s", VulkanResultString(res, true)))
		}
		return nil
	}); err != nil {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, bindlessPool, context.Allocator)
		return nil, err
	}

	return &DescriptorPools{Bindless: bindlessPool, Normal: normalPool}, nil
}

// Destroy releases both descriptor pools.
func (p *DescriptorPools) Destroy(context *VulkanContext) {
	_ = lockPool.SafeCall(ResourceManagement, func() error {
		if p.Bindless != nil {
			vk.DestroyDescriptorPool(context.Device.LogicalDevice, p.Bindless, context.Allocator)
			p.Bindless = nil
		}
		if p.Normal != nil {
			vk.DestroyDescriptorPool(context.Device.LogicalDevice, p.Normal, context.Allocator)
			p.Normal = nil
		}
		return nil
	})
}

// CreateDefaultSampler creates the device's default repeat-linear sampler.
func CreateDefaultSampler(context *VulkanContext) (*DefaultSampler, error) {
	createInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		AddressModeU:            vk.SamplerAddressModeRepeat,
		AddressModeV:            vk.SamplerAddressModeRepeat,
		AddressModeW:            vk.SamplerAddressModeRepeat,
		AnisotropyEnable:        vk.False,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MipmapMode:              vk.SamplerMipmapModeLinear,
	}
	createInfo.Deref()

	var handle vk.Sampler
	if err := lockPool.SafeCall(SamplerManagement, func() error {
		if res := vk.CreateSampler(context.Device.LogicalDevice, &createInfo, context.Allocator, &handle); !VulkanResultIsSuccess(res) {
			return fmt.Errorf("vkCreateSampler: %s", VulkanResultString(res, true))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &DefaultSampler{Handle: handle}, nil
}

// Destroy releases the sampler.
func (s *DefaultSampler) Destroy(context *VulkanContext) {
	_ = lockPool.SafeCall(SamplerManagement, func() error {
		if s.Handle != nil {
			vk.DestroySampler(context.Device.LogicalDevice, s.Handle, context.Allocator)
			s.Handle = nil
		}
		return nil
	})
}

// DebugObjectKind names a Vulkan handle category for SetDebugObjectName's
// composed (name, kind-prefix, optional-index) label.
type DebugObjectKind string

const (
	DebugKindPipeline            DebugObjectKind = "pipeline"
	DebugKindPipelineLayout      DebugObjectKind = "pipeline_layout"
	DebugKindDescriptorSetLayout DebugObjectKind = "descriptor_set_layout"
	DebugKindShaderModule        DebugObjectKind = "shader_module"
	DebugKindDescriptorSet       DebugObjectKind = "descriptor_set"
	DebugKindBuffer              DebugObjectKind = "buffer"
	DebugKindImage               DebugObjectKind = "image"
)

// DebugObjectName composes the (name, kind-prefix, optional-index) debug
// label the public contract calls for. index < 0 omits the index suffix.
func DebugObjectName(kind DebugObjectKind, name string, index int) string {
	if index < 0 {
		return fmt.Sprintf("%s:%s", kind, name)
	}
	return fmt.Sprintf("%s:%s[%d]", kind, name, index)
}
