// Package subpass implements the Subpass Builder (C4): the per-draw-element
// algorithm that turns a declarative subpass description plus a list of
// scene primitives into compiled pipelines, descriptor sets, and draw
// elements (§4.4 — "the heart of the renderer").
package subpass

import (
	"fmt"
	"sort"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/core"
	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/math"
	"github.com/kaelforge/kaelforge/engine/renderer/lockpool"
	"github.com/kaelforge/kaelforge/engine/renderer/rcache"
	"github.com/kaelforge/kaelforge/engine/renderer/reflect"
	"github.com/kaelforge/kaelforge/engine/renderer/vulkan"
	"github.com/kaelforge/kaelforge/engine/scene"
)

// PunctualLightMaxCount bounds the Subpass UBO's light array (§3).
const PunctualLightMaxCount = 8

// BindlessSamplerSlots and BindlessImageSlots bound the per-draw-element
// index vectors and the bindless index-map allocators (§3's
// bindless_sampler_index < 8 / bindless_image_index < 128 invariant).
const (
	BindlessSamplerSlots = 8
	BindlessImageSlots   = 128
)

// PunctualLight mirrors the GPU-side light struct packed into the Subpass
// UBO.
type PunctualLight struct {
	Position  math.Vec3
	Direction math.Vec3
	Color     math.Vec3
	Intensity float32
	Range     float32
}

// SubpassUBO is the per-subpass uniform buffer layout (§4.4 step 5).
type SubpassUBO struct {
	PV             math.Mat4
	InversePV      math.Mat4
	CameraPosition math.Vec3
	Lights         [PunctualLightMaxCount]PunctualLight
	LightCount     uint32
}

// DrawElementUBO is the per-draw-element uniform buffer layout (§4.4 step 7).
type DrawElementUBO struct {
	Model             math.Mat4
	InverseModel      math.Mat4
	SamplerIndices    [2]math.Vec4 // packed as two uvec4, stored as float-backed Vec4 for byte-layout parity with the teacher's math types
	ImageIndices      [2]math.Vec4
	BaseColorFactor   math.Vec4
	EmissiveFactor    math.Vec3
	MetallicFactor    float32
	RoughnessFactor   float32
	AlphaMode         uint32
	AlphaCutoff       float32
}

// VertexBinding is one coalesced contiguous-location vertex buffer binding
// (§4.4 step 9's "contiguous locations coalesced into a single
// bind_vertex_buffers call").
type VertexBinding struct {
	FirstLocation uint32
	Count         uint32
	Buffers       []vk.Buffer
	Offsets       []vk.DeviceSize
}

// DrawElement is one emitted drawable (§3).
type DrawElement struct {
	Pipeline        vk.Pipeline
	PipelineLayout  vk.PipelineLayout
	DescriptorSets  []vk.DescriptorSet // one per in-flight frame, nil if the subpass has no draw-element set
	Uniform         DrawElementUBO
	VertexBindings  []VertexBinding
	IndexBuffer     *scene.BufferRef
	VertexCount     uint32
	SceneVisibility int
	HasScene        bool

	// uniformBuffers backs DescriptorSets, one persistently mapped buffer
	// per in-flight frame, written by Runtime.Update.
	uniformBuffers []gpuBuffer
}

// BindlessIndexMaps tracks the sampler/image handle → bindless-slot
// assignment for one subpass (§4.4 step 6).
type BindlessIndexMaps struct {
	samplerIndex map[*scene.Sampler]uint32
	imageIndex   map[*scene.Image]uint32
}

func newBindlessIndexMaps() *BindlessIndexMaps {
	return &BindlessIndexMaps{
		samplerIndex: make(map[*scene.Sampler]uint32),
		imageIndex:   make(map[*scene.Image]uint32),
	}
}

// SamplerSlot returns s's bindless slot, allocating the next free one if
// this is the first time s has been seen. Fails once BindlessSamplerSlots
// is exhausted (§3's bindless_sampler_index < 8 invariant).
func (b *BindlessIndexMaps) SamplerSlot(s *scene.Sampler) (uint32, error) {
	if idx, ok := b.samplerIndex[s]; ok {
		return idx, nil
	}
	if len(b.samplerIndex) >= BindlessSamplerSlots {
		return 0, core.NewError(core.KindBindlessIndexOverflow, "BindlessIndexMaps.SamplerSlot", fmt.Errorf("exceeded %d sampler slots", BindlessSamplerSlots))
	}
	idx := uint32(len(b.samplerIndex))
	b.samplerIndex[s] = idx
	return idx, nil
}

// ImageSlot returns img's bindless slot, allocating the next free one if
// this is the first time img has been seen.
func (b *BindlessIndexMaps) ImageSlot(img *scene.Image) (uint32, error) {
	if idx, ok := b.imageIndex[img]; ok {
		return idx, nil
	}
	if len(b.imageIndex) >= BindlessImageSlots {
		return 0, core.NewError(core.KindBindlessIndexOverflow, "BindlessIndexMaps.ImageSlot", fmt.Errorf("exceeded %d image slots", BindlessImageSlots))
	}
	idx := uint32(len(b.imageIndex))
	b.imageIndex[img] = idx
	return idx, nil
}

// Runtime is one subpass's built state (§3's "Subpass runtime state").
type Runtime struct {
	Name                 string
	Scene                string
	Lights               []int
	DrawElements         []DrawElement
	Bindless             *BindlessIndexMaps
	PipelineLayout       vk.PipelineLayout
	Pipeline             vk.Pipeline
	DescriptorSetLayouts map[uint32]vk.DescriptorSetLayout

	// SubpassDescriptorSets holds the camera/lights UBO set, one per
	// in-flight frame, bound at SubpassDescriptorSetIndex (§4.7). Nil if
	// this subpass's shaders declare no "subpass*" resources.
	SubpassDescriptorSets    []vk.DescriptorSet
	SubpassDescriptorSetIndex uint32

	// BindlessDescriptorSet is the single, update-after-bind global
	// sampler/image-array set, bound at BindlessDescriptorSetIndex. Nil
	// if this subpass's shaders declare no "bindless*" resources.
	BindlessDescriptorSet    vk.DescriptorSet
	BindlessDescriptorSetIndex uint32

	// DrawElementDescriptorSetIndex is where each DrawElement's own
	// DescriptorSets (if any) are bound (§4.7's draw_element_descriptor_set_index).
	DrawElementDescriptorSetIndex uint32

	subpassBuffers []gpuBuffer // one per in-flight frame, backs SubpassDescriptorSets
}

// gpuBuffer is a created-and-persistently-mapped GPU buffer backing one
// uniform buffer descriptor write (§4.4 steps 5/7).
type gpuBuffer struct {
	Buffer vk.Buffer
	Memory vk.DeviceMemory
	Mapped unsafe.Pointer
}

// Shader is the §6 Asset collaborator's per-shader contract: the asset
// pipeline (glTF/GLSL loading, out of scope here) owns compilation. This
// package keys its SPIR-V cache on the stage, Path() and the macro list,
// and on a miss asks for the compiled words; HashValue is not called here.
type Shader interface {
	Path() string
	HashValue(macros []string) uint64
	CompileToSpirv(macros []string) ([]uint32, error)
}

// BuildInput is everything the Subpass Builder needs to build one subpass.
type BuildInput struct {
	Descriptor      framegraph.Subpass
	FrameCount      uint32
	VertexShader    Shader
	FragmentShader  Shader
	Primitives      []scene.ScenePrimitive
	InputAttachmentViews []vk.ImageView
	ColorAttachmentCount uint32
	Device          vk.Device
	Allocator       *vk.AllocationCallbacks
	Caches          *rcache.Caches
	CacheDir        string
	VertexStage     vk.ShaderStageFlagBits
	FragmentStage   vk.ShaderStageFlagBits

	// Context, when set, is consulted for the normal/bindless descriptor
	// pools, the default sampler, and host-visible memory type lookup so
	// Build can allocate real descriptor sets and uniform buffers (§4.1,
	// §4.4 steps 5/7). Nil is accepted for layout-only/test builds, in
	// which case no descriptor sets or buffers are created.
	Context *vulkan.VulkanContext
}

const (
	macroPi                   = "DPI 3.14159265359"
	macroPunctualLightMaxCount = "DPUNCTUAL_LIGHT_MAX_COUNT"
)

// assembleMacros implements §4.4 step 1.
func assembleMacros(sp framegraph.Subpass, mat *scene.Material, lightCount int) []string {
	macros := []string{macroPi, fmt.Sprintf("%s %d", macroPunctualLightMaxCount, PunctualLightMaxCount)}

	if mat == nil {
		return macros
	}

	textureRoles := []scene.TextureRole{
		scene.TextureBaseColor, scene.TextureMetallicRoughness, scene.TextureNormal,
		scene.TextureOcclusion, scene.TextureEmissive,
	}
	for _, role := range textureRoles {
		if mat.HasTexture(role) {
			macros = append(macros, fmt.Sprintf("DHAS_%s", strings.ToUpper(string(role))))
		}
	}

	for kind := range map[scene.VertexAttributeKind]struct{}{
		scene.AttrTangent: {}, scene.AttrTexcoord: {}, scene.AttrColor: {},
	} {
		_ = kind // presence is checked against the primitive, not the material, by the caller.
	}

	if mat.AlphaMode == scene.AlphaMask {
		macros = append(macros, "DHAS_MASK_ALPHA")
	}
	if lightCount > 0 {
		macros = append(macros, fmt.Sprintf("DLIGHT_COUNT %d", lightCount))
	}
	return macros
}

func attributeMacros(p *scene.Primitive) []string {
	var out []string
	for _, kind := range []scene.VertexAttributeKind{scene.AttrTangent, scene.AttrTexcoord, scene.AttrColor} {
		if p.HasAttribute(kind) {
			out = append(out, fmt.Sprintf("DHAS_%s_BUFFER", kind))
		}
	}
	return out
}

// RequestSpirv implements §4.4 step 2: look up the in-memory cache, then
// the on-disk cache (written by a prior run), and only on a full miss ask
// the asset collaborator's Shader to compile — the first compile for a
// given shader+macro permutation writes the disk cache so later runs skip
// compilation entirely.
func RequestSpirv(caches *rcache.Caches, cacheDir string, source Shader, macros []string, stage vk.ShaderStageFlagBits) (*reflect.Module, rcache.Key, error) {
	key := rcache.CombineUint32([]uint32{uint32(stage)}, []byte(source.Path()), []byte(strings.Join(macros, "\x1f")))

	spirv, err := caches.Spirv.GetOrCreate(key, func() (rcache.Spirv, error) {
		if words, ok, err := rcache.LoadSpirvFile(cacheDir, key); err != nil {
			return rcache.Spirv{}, err
		} else if ok {
			return rcache.Spirv{Words: words}, nil
		}

		words, err := source.CompileToSpirv(macros)
		if err != nil {
			return rcache.Spirv{}, core.NewError(core.KindSpirvCompileError, "RequestSpirv", fmt.Errorf("compiling %q (macros=%v, stage=%v): %w", source.Path(), macros, stage, err))
		}
		if err := rcache.StoreSpirvFile(cacheDir, key, words); err != nil {
			core.With("component", "subpass").Warn("failed to persist spirv cache entry", "shader", source.Path(), "err", err)
		}
		return rcache.Spirv{Words: words}, nil
	})
	if err != nil {
		return nil, key, err
	}

	mod, err := reflect.Reflect(spirv.Words, stage)
	if err != nil {
		return nil, key, err
	}
	return mod, key, nil
}

// partition implements §4.4 step 4.
type partition struct {
	subpassSet      []reflect.ShaderResource
	subpassSetIndex uint32
	bindlessSet      []reflect.ShaderResource
	bindlessSetIndex uint32
	drawElementSets map[uint32][]reflect.ShaderResource
	pushConstants  []reflect.ShaderResource
	drawElementSetIndex uint32
}

// noSetIndex marks a partition category as absent from this subpass's
// shaders.
const noSetIndex = ^uint32(0)

func partitionResources(resources []reflect.ShaderResource) (*partition, error) {
	bySet := make(map[uint32][]reflect.ShaderResource)
	var pushConstants []reflect.ShaderResource

	for _, r := range resources {
		if r.Kind == reflect.KindPushConstantBuffer {
			pushConstants = append(pushConstants, r)
			continue
		}
		if r.Kind == reflect.KindStageInput {
			continue
		}
		bySet[r.Set] = append(bySet[r.Set], r)
	}

	if len(bySet) == 0 {
		return &partition{pushConstants: pushConstants, drawElementSets: map[uint32][]reflect.ShaderResource{}, subpassSetIndex: noSetIndex, bindlessSetIndex: noSetIndex, drawElementSetIndex: noSetIndex}, nil
	}

	sets := make([]uint32, 0, len(bySet))
	for s := range bySet {
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i] < sets[j] })
	for i, s := range sets {
		if uint32(i) != s {
			return nil, fmt.Errorf("subpass: descriptor sets are not contiguous from 0 (got %v)", sets)
		}
	}

	p := &partition{drawElementSets: map[uint32][]reflect.ShaderResource{}, pushConstants: pushConstants, subpassSetIndex: noSetIndex, bindlessSetIndex: noSetIndex}
	minDrawElementSet := noSetIndex
	for _, s := range sets {
		res := bySet[s]
		sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
		first := res[0].Name
		switch {
		case strings.HasPrefix(first, "subpass"):
			p.subpassSet = res
			p.subpassSetIndex = s
		case strings.HasPrefix(first, "bindless"):
			p.bindlessSet = res
			p.bindlessSetIndex = s
		default:
			p.drawElementSets[s] = res
			if s < minDrawElementSet {
				minDrawElementSet = s
			}
		}
	}
	p.drawElementSetIndex = minDrawElementSet
	return p, nil
}

// buildDescriptorSetLayout turns one set's resources into a
// vk.DescriptorSetLayout, consulting/populating the resource cache.
func buildDescriptorSetLayout(in *BuildInput, resources []reflect.ShaderResource, updateAfterBind bool) (vk.DescriptorSetLayout, error) {
	if len(resources) == 0 {
		return nil, nil
	}

	keyParts := make([]uint32, 0, len(resources)*3)
	for _, r := range resources {
		keyParts = append(keyParts, r.Binding, uint32(descriptorTypeFor(r.Kind)), r.ArraySize, uint32(r.StageMask))
	}
	key := rcache.CombineUint32(keyParts)

	cached, err := in.Caches.DescriptorSetLayouts.GetOrCreate(key, func() (rcache.DescriptorSetLayout, error) {
		bindings := make([]vk.DescriptorSetLayoutBinding, len(resources))
		for i, r := range resources {
			count := r.ArraySize
			if count == 0 {
				count = 1
			}
			bindings[i] = vk.DescriptorSetLayoutBinding{
				Binding:         r.Binding,
				DescriptorType:  descriptorTypeFor(r.Kind),
				DescriptorCount: count,
				StageFlags:      vk.ShaderStageFlags(r.StageMask),
			}
		}

		createInfo := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}

		var bindingFlagsInfo vk.DescriptorSetLayoutBindingFlagsCreateInfo
		if updateAfterBind {
			flags := make([]vk.DescriptorBindingFlags, len(bindings))
			for i := range flags {
				flags[i] = vk.DescriptorBindingFlags(vk.DescriptorBindingPartiallyBoundBit) | vk.DescriptorBindingFlags(vk.DescriptorBindingUpdateAfterBindBit)
			}
			bindingFlagsInfo = vk.DescriptorSetLayoutBindingFlagsCreateInfo{
				SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
				BindingCount:  uint32(len(flags)),
				PBindingFlags: flags,
			}
			createInfo.Flags = vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit)
		}
		createInfo.Deref()

		var handle vk.DescriptorSetLayout
		err := lockPoolSafeCall(func() error {
			if res := vk.CreateDescriptorSetLayout(in.Device, &createInfo, in.Allocator, &handle); res != vk.Success {
				return fmt.Errorf("vkCreateDescriptorSetLayout: %d", res)
			}
			return nil
		})
		if err != nil {
			return rcache.DescriptorSetLayout{}, err
		}
		return rcache.DescriptorSetLayout{Handle: handle}, nil
	})
	if err != nil {
		return nil, err
	}
	return cached.Handle, nil
}

func descriptorTypeFor(kind reflect.ResourceKind) vk.DescriptorType {
	switch kind {
	case reflect.KindSampler:
		return vk.DescriptorTypeSampler
	case reflect.KindCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case reflect.KindSampledImage:
		return vk.DescriptorTypeSampledImage
	case reflect.KindStorageImage:
		return vk.DescriptorTypeStorageImage
	case reflect.KindUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case reflect.KindStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case reflect.KindInputAttachment:
		return vk.DescriptorTypeInputAttachment
	default:
		return vk.DescriptorTypeUniformBuffer
	}
}

// lockPoolSafeCall serializes descriptor/pipeline creation under a single
// group, mirroring the GPU device layer's per-category locking with this
// package's own lockpool.Pool (the device layer's pool is package-private
// to engine/renderer/vulkan).
var subpassLocks = lockpool.New()

func lockPoolSafeCall(fn func() error) error {
	return subpassLocks.SafeCall(lockpool.PipelineCache, fn)
}

// buildPipelineLayout implements §4.4 step 8.
func buildPipelineLayout(in *BuildInput, setLayouts []vk.DescriptorSetLayout, pushConstants []reflect.ShaderResource) (vk.PipelineLayout, error) {
	keyParts := make([]uint32, 0, len(setLayouts)*2+len(pushConstants)*2)
	for _, r := range pushConstants {
		keyParts = append(keyParts, r.Offset, r.Size, uint32(r.StageMask))
	}
	key := rcache.CombineUint32(keyParts, []byte(fmt.Sprintf("%v", setLayouts)))

	cached, err := in.Caches.PipelineLayouts.GetOrCreate(key, func() (rcache.PipelineLayout, error) {
		ranges := make([]vk.PushConstantRange, len(pushConstants))
		for i, r := range pushConstants {
			ranges[i] = vk.PushConstantRange{StageFlags: vk.ShaderStageFlags(r.StageMask), Offset: r.Offset, Size: r.Size}
		}

		createInfo := vk.PipelineLayoutCreateInfo{
			SType:                  vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount:         uint32(len(setLayouts)),
			PSetLayouts:            setLayouts,
			PushConstantRangeCount: uint32(len(ranges)),
			PPushConstantRanges:    ranges,
		}
		createInfo.Deref()

		var handle vk.PipelineLayout
		err := lockPoolSafeCall(func() error {
			if res := vk.CreatePipelineLayout(in.Device, &createInfo, in.Allocator, &handle); res != vk.Success {
				return fmt.Errorf("vkCreatePipelineLayout: %d", res)
			}
			return nil
		})
		if err != nil {
			return rcache.PipelineLayout{}, err
		}
		return rcache.PipelineLayout{Handle: handle}, nil
	})
	if err != nil {
		return nil, err
	}
	return cached.Handle, nil
}

// mergePushConstants coalesces push-constant ranges with overlapping
// [offset, offset+size) spans across stages into the minimal covering set,
// OR-ing their stage masks together (§12's supplemented push-constant
// range merging).
func mergePushConstants(resources []reflect.ShaderResource) []reflect.ShaderResource {
	var pcs []reflect.ShaderResource
	for _, r := range resources {
		if r.Kind == reflect.KindPushConstantBuffer {
			pcs = append(pcs, r)
		}
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i].Offset < pcs[j].Offset })

	var merged []reflect.ShaderResource
	for _, r := range pcs {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.Offset <= last.Offset+last.Size {
				end := last.Offset + last.Size
				if re := r.Offset + r.Size; re > end {
					end = re
				}
				last.Size = end - last.Offset
				last.StageMask |= r.StageMask
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// Build runs the full §4.4 per-subpass algorithm and returns the built
// Runtime.
func Build(in *BuildInput) (*Runtime, error) {
	rt := &Runtime{
		Name:     in.Descriptor.Name,
		Scene:    in.Descriptor.Scene,
		Lights:   in.Descriptor.Lights,
		Bindless: newBindlessIndexMaps(),
		DescriptorSetLayouts: map[uint32]vk.DescriptorSetLayout{},
	}

	drawPrimitives := scene.SelectForSubpass(in.Primitives, in.Descriptor.Scene)
	hasScene := len(drawPrimitives) > 0 || in.Descriptor.Scene != ""

	type work struct {
		primitive *scene.ScenePrimitive
		material  *scene.Material
	}
	var items []work
	if !hasScene {
		items = []work{{}}
	} else {
		for i := range drawPrimitives {
			items = append(items, work{primitive: &drawPrimitives[i], material: drawPrimitives[i].Primitive.Material})
		}
	}

	var allResources []reflect.ShaderResource
	var vsMod, fsMod *reflect.Module

	for _, it := range items {
		var attrMacros []string
		if it.primitive != nil {
			attrMacros = attributeMacros(it.primitive.Primitive)
			if !it.primitive.Primitive.HasAttribute(scene.AttrPosition) || !it.primitive.Primitive.HasAttribute(scene.AttrNormal) {
				return nil, fmt.Errorf("subpass %q: primitive missing required POSITION/NORMAL attribute", in.Descriptor.Name)
			}
		}
		macros := append(assembleMacros(in.Descriptor, it.material, len(in.Descriptor.Lights)), attrMacros...)

		var err error
		vsMod, _, err = RequestSpirv(in.Caches, in.CacheDir, in.VertexShader, macros, in.VertexStage)
		if err != nil {
			return nil, err
		}
		fsMod, _, err = RequestSpirv(in.Caches, in.CacheDir, in.FragmentShader, macros, in.FragmentStage)
		if err != nil {
			return nil, err
		}
		break // only the first draw element's macro set is compiled; the shaders and the single pipeline built from it serve every draw element of the subpass, whatever its material or attributes.
	}

	allResources = reflect.MergeByName(vsMod, fsMod)
	pushConstants := mergePushConstants(allResources)

	part, err := partitionResources(allResources)
	if err != nil {
		return nil, err
	}

	subpassLayout, err := buildDescriptorSetLayout(in, part.subpassSet, false)
	if err != nil {
		return nil, err
	}
	bindlessLayout, err := buildDescriptorSetLayout(in, part.bindlessSet, true)
	if err != nil {
		return nil, err
	}

	var orderedSets []uint32
	for s := range part.drawElementSets {
		orderedSets = append(orderedSets, s)
	}
	sort.Slice(orderedSets, func(i, j int) bool { return orderedSets[i] < orderedSets[j] })

	layoutByIndex := map[uint32]vk.DescriptorSetLayout{}
	if subpassLayout != nil {
		layoutByIndex[part.subpassSetIndex] = subpassLayout
		rt.SubpassDescriptorSetIndex = part.subpassSetIndex
	}
	if bindlessLayout != nil {
		layoutByIndex[part.bindlessSetIndex] = bindlessLayout
		rt.BindlessDescriptorSetIndex = part.bindlessSetIndex
	}
	drawElementLayouts := make(map[uint32]vk.DescriptorSetLayout)
	for _, s := range orderedSets {
		layout, err := buildDescriptorSetLayout(in, part.drawElementSets[s], false)
		if err != nil {
			return nil, err
		}
		drawElementLayouts[s] = layout
		layoutByIndex[s] = layout
	}
	rt.DescriptorSetLayouts = layoutByIndex
	if part.drawElementSetIndex != noSetIndex {
		rt.DrawElementDescriptorSetIndex = part.drawElementSetIndex
	}

	setLayouts := denseSetLayouts(layoutByIndex)

	pipelineLayout, err := buildPipelineLayout(in, setLayouts, pushConstants)
	if err != nil {
		return nil, err
	}
	rt.PipelineLayout = pipelineLayout

	for _, it := range items {
		el := DrawElement{
			PipelineLayout: pipelineLayout,
			HasScene:       it.primitive != nil,
		}
		if it.primitive != nil {
			el.SceneVisibility = it.primitive.SceneIndex
			el.Uniform.Model = it.primitive.Model
			el.Uniform.InverseModel = it.primitive.InverseModel
			if it.material != nil {
				el.Uniform.BaseColorFactor = it.material.BaseColorFactor
				el.Uniform.EmissiveFactor = it.material.EmissiveFactor
				el.Uniform.MetallicFactor = it.material.MetallicFactor
				el.Uniform.RoughnessFactor = it.material.RoughnessFactor
				el.Uniform.AlphaMode = uint32(it.material.AlphaMode)
				el.Uniform.AlphaCutoff = it.material.AlphaCutoff

				for _, tex := range it.material.Textures {
					if tex.Sampler != nil {
						if _, err := rt.Bindless.SamplerSlot(tex.Sampler); err != nil {
							return nil, err
						}
					}
					if tex.Image != nil {
						if _, err := rt.Bindless.ImageSlot(tex.Image); err != nil {
							return nil, err
						}
					}
				}
			}
			el.IndexBuffer = it.primitive.Primitive.Indices
			el.VertexCount = it.primitive.Primitive.Indices.Count
		}
		rt.DrawElements = append(rt.DrawElements, el)
	}

	pipeline, err := buildPipeline(in, pipelineLayout, allResources, rt.Name == "transparency" || in.Descriptor.Scene == "transparency")
	if err != nil {
		return nil, err
	}
	rt.Pipeline = pipeline
	for i := range rt.DrawElements {
		rt.DrawElements[i].Pipeline = pipeline
	}

	if err := provisionSubpassSet(in, subpassLayout, part.subpassSet, rt); err != nil {
		return nil, err
	}
	if err := provisionBindlessSet(in, bindlessLayout, part.bindlessSet, rt); err != nil {
		return nil, err
	}
	if part.drawElementSetIndex != noSetIndex {
		if err := provisionDrawElementSets(in, drawElementLayouts[part.drawElementSetIndex], part.drawElementSets[part.drawElementSetIndex], rt); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

// denseSetLayouts turns the sparse set-index → layout map Build assembles
// (real declared indices for subpass/bindless/draw-element sets, per §4.7's
// contiguity guarantee) into the dense, index-ordered slice
// vkCreatePipelineLayout requires. Any index below the maximum that wasn't
// populated is left nil, matching a set slot that exists in the pipeline
// layout's numbering but isn't used by this subpass's shaders.
func denseSetLayouts(layoutByIndex map[uint32]vk.DescriptorSetLayout) []vk.DescriptorSetLayout {
	var maxSet uint32
	var haveSet bool
	for s := range layoutByIndex {
		if !haveSet || s > maxSet {
			maxSet, haveSet = s, true
		}
	}
	if !haveSet {
		return nil
	}
	setLayouts := make([]vk.DescriptorSetLayout, maxSet+1)
	for s, layout := range layoutByIndex {
		setLayouts[s] = layout
	}
	return setLayouts
}

// frameCount returns in.FrameCount, floored at 1 (a subpass always has at
// least one in-flight frame's worth of descriptor sets/buffers).
func frameCount(in *BuildInput) int {
	if in.FrameCount < 1 {
		return 1
	}
	return int(in.FrameCount)
}

// descriptorPools returns in's normal/bindless pools, or nil if in has no
// GPU context wired (layout-only/test builds skip descriptor/buffer
// provisioning entirely).
func descriptorPools(in *BuildInput) *vulkan.DescriptorPools {
	if in.Context == nil {
		return nil
	}
	return in.Context.DescriptorPools
}

// createUniformBuffer allocates a host-visible, host-coherent buffer of
// size bytes and leaves it persistently mapped, per §4.6's "persistent
// mapped write" update model.
func createUniformBuffer(in *BuildInput, size uint64) (gpuBuffer, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit),
		SharingMode: vk.SharingModeExclusive,
	}
	bufferInfo.Deref()

	var buffer vk.Buffer
	if res := vk.CreateBuffer(in.Device, &bufferInfo, in.Allocator, &buffer); res != vk.Success {
		return gpuBuffer{}, fmt.Errorf("vkCreateBuffer: %d", res)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(in.Device, buffer, &req)

	hostVisibleCoherent := uint32(vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit))
	memType := in.Context.FindMemoryIndex(req.MemoryTypeBits, hostVisibleCoherent)
	if memType == -1 {
		vk.DestroyBuffer(in.Device, buffer, in.Allocator)
		return gpuBuffer{}, fmt.Errorf("subpass: no host-visible/coherent memory type for a uniform buffer")
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: uint32(memType),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(in.Device, &allocInfo, in.Allocator, &memory); res != vk.Success {
		vk.DestroyBuffer(in.Device, buffer, in.Allocator)
		return gpuBuffer{}, fmt.Errorf("vkAllocateMemory: %d", res)
	}
	if res := vk.BindBufferMemory(in.Device, buffer, memory, 0); res != vk.Success {
		return gpuBuffer{}, fmt.Errorf("vkBindBufferMemory: %d", res)
	}

	var mapped unsafe.Pointer
	if res := vk.MapMemory(in.Device, memory, 0, vk.DeviceSize(size), 0, &mapped); res != vk.Success {
		return gpuBuffer{}, fmt.Errorf("vkMapMemory: %d", res)
	}

	return gpuBuffer{Buffer: buffer, Memory: memory, Mapped: mapped}, nil
}

// Destroy destroys buf's buffer and frees its backing memory. buf's memory
// is left mapped; vkFreeMemory implicitly unmaps it.
func (buf gpuBuffer) Destroy(device vk.Device, allocator *vk.AllocationCallbacks) {
	if buf.Buffer != nil {
		vk.DestroyBuffer(device, buf.Buffer, allocator)
	}
	if buf.Memory != nil {
		vk.FreeMemory(device, buf.Memory, allocator)
	}
}

func allocateDescriptorSets(device vk.Device, pool vk.DescriptorPool, layout vk.DescriptorSetLayout, count int) ([]vk.DescriptorSet, error) {
	layouts := make([]vk.DescriptorSetLayout, count)
	for i := range layouts {
		layouts[i] = layout
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: uint32(count),
		PSetLayouts:        layouts,
	}
	allocInfo.Deref()

	sets := make([]vk.DescriptorSet, count)
	if res := vk.AllocateDescriptorSets(device, &allocInfo, sets); res != vk.Success {
		return nil, fmt.Errorf("vkAllocateDescriptorSets: %d", res)
	}
	return sets, nil
}

func writeUniformBufferDescriptor(device vk.Device, set vk.DescriptorSet, binding uint32, buffer vk.Buffer, size uint64) {
	bufferInfo := []vk.DescriptorBufferInfo{{Buffer: buffer, Offset: 0, Range: vk.DeviceSize(size)}}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      binding,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeUniformBuffer,
		PBufferInfo:     bufferInfo,
	}
	write.Deref()
	vk.UpdateDescriptorSets(device, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// provisionSubpassSet implements §4.4 step 5: one subpass-UBO-backed
// descriptor set per in-flight frame, allocated from the normal pool.
func provisionSubpassSet(in *BuildInput, layout vk.DescriptorSetLayout, resources []reflect.ShaderResource, rt *Runtime) error {
	pools := descriptorPools(in)
	if layout == nil || pools == nil {
		return nil
	}

	n := frameCount(in)
	sets, err := allocateDescriptorSets(in.Device, pools.Normal, layout, n)
	if err != nil {
		return fmt.Errorf("subpass %q: subpass descriptor set: %w", in.Descriptor.Name, err)
	}

	var binding uint32
	if len(resources) > 0 {
		binding = resources[0].Binding
	}
	size := uint64(unsafe.Sizeof(SubpassUBO{}))
	buffers := make([]gpuBuffer, n)
	for i := range sets {
		buf, err := createUniformBuffer(in, size)
		if err != nil {
			return fmt.Errorf("subpass %q: subpass uniform buffer: %w", in.Descriptor.Name, err)
		}
		writeUniformBufferDescriptor(in.Device, sets[i], binding, buf.Buffer, size)
		buffers[i] = buf
	}

	rt.SubpassDescriptorSets = sets
	rt.subpassBuffers = buffers
	return nil
}

// provisionDrawElementSets implements §4.4 step 7: one DrawElementUBO-backed
// descriptor set per in-flight frame, for every draw element that has one.
func provisionDrawElementSets(in *BuildInput, layout vk.DescriptorSetLayout, resources []reflect.ShaderResource, rt *Runtime) error {
	pools := descriptorPools(in)
	if layout == nil || pools == nil {
		return nil
	}

	var binding uint32
	if len(resources) > 0 {
		binding = resources[0].Binding
	}
	n := frameCount(in)
	size := uint64(unsafe.Sizeof(DrawElementUBO{}))

	for i := range rt.DrawElements {
		el := &rt.DrawElements[i]
		sets, err := allocateDescriptorSets(in.Device, pools.Normal, layout, n)
		if err != nil {
			return fmt.Errorf("subpass %q: draw-element %d descriptor set: %w", in.Descriptor.Name, i, err)
		}
		buffers := make([]gpuBuffer, n)
		for f := range sets {
			buf, err := createUniformBuffer(in, size)
			if err != nil {
				return fmt.Errorf("subpass %q: draw-element %d uniform buffer: %w", in.Descriptor.Name, i, err)
			}
			*(*DrawElementUBO)(buf.Mapped) = el.Uniform
			writeUniformBufferDescriptor(in.Device, sets[f], binding, buf.Buffer, size)
			buffers[f] = buf
		}
		el.DescriptorSets = sets
		el.uniformBuffers = buffers
	}
	return nil
}

// provisionBindlessSet implements §4.4 step 6: one global, update-after-bind
// descriptor set holding every sampler/image this subpass's draw elements
// referenced, written at the slots BindlessIndexMaps already assigned.
func provisionBindlessSet(in *BuildInput, layout vk.DescriptorSetLayout, resources []reflect.ShaderResource, rt *Runtime) error {
	pools := descriptorPools(in)
	if layout == nil || pools == nil {
		return nil
	}

	sets, err := allocateDescriptorSets(in.Device, pools.Bindless, layout, 1)
	if err != nil {
		return fmt.Errorf("subpass %q: bindless descriptor set: %w", in.Descriptor.Name, err)
	}
	set := sets[0]

	var samplerBinding, imageBinding uint32
	var haveSamplerBinding, haveImageBinding bool
	for _, r := range resources {
		switch r.Kind {
		case reflect.KindSampler:
			samplerBinding, haveSamplerBinding = r.Binding, true
		case reflect.KindSampledImage, reflect.KindCombinedImageSampler:
			imageBinding, haveImageBinding = r.Binding, true
		}
	}

	var defaultSampler vk.Sampler
	if in.Context.DefaultSampler != nil {
		defaultSampler = in.Context.DefaultSampler.Handle
	}

	var writes []vk.WriteDescriptorSet
	if haveImageBinding {
		for img, idx := range rt.Bindless.imageIndex {
			info := []vk.DescriptorImageInfo{{ImageView: vk.ImageView(img.View), ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal}}
			w := vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          set,
				DstBinding:      imageBinding,
				DstArrayElement: idx,
				DescriptorCount: 1,
				DescriptorType:  vk.DescriptorTypeSampledImage,
				PImageInfo:      info,
			}
			w.Deref()
			writes = append(writes, w)
		}
	}
	if haveSamplerBinding {
		for s, idx := range rt.Bindless.samplerIndex {
			handle := defaultSampler
			if s.Handle != 0 {
				handle = vk.Sampler(s.Handle)
			}
			info := []vk.DescriptorImageInfo{{Sampler: handle}}
			w := vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          set,
				DstBinding:      samplerBinding,
				DstArrayElement: idx,
				DescriptorCount: 1,
				DescriptorType:  vk.DescriptorTypeSampler,
				PImageInfo:      info,
			}
			w.Deref()
			writes = append(writes, w)
		}
	}
	if len(writes) > 0 {
		vk.UpdateDescriptorSets(in.Device, uint32(len(writes)), writes, 0, nil)
	}

	rt.BindlessDescriptorSet = set
	return nil
}

// Update refreshes this subpass's per-frame uniform buffer and every draw
// element's per-frame uniform buffer via a persistent mapped write (§4.6's
// subpass.update(frame_index) step).
func (rt *Runtime) Update(frameIndex int, ubo SubpassUBO) {
	if frameIndex >= 0 && frameIndex < len(rt.subpassBuffers) && rt.subpassBuffers[frameIndex].Mapped != nil {
		*(*SubpassUBO)(rt.subpassBuffers[frameIndex].Mapped) = ubo
	}
	for i := range rt.DrawElements {
		el := &rt.DrawElements[i]
		if frameIndex >= 0 && frameIndex < len(el.uniformBuffers) && el.uniformBuffers[frameIndex].Mapped != nil {
			*(*DrawElementUBO)(el.uniformBuffers[frameIndex].Mapped) = el.Uniform
		}
	}
}

// Destroy releases every GPU resource Build allocated directly (uniform
// buffers). Descriptor sets are freed implicitly when their owning pool is
// destroyed; pipeline/layout/descriptor-set-layout handles live in the
// resource caches and are owned by them, not by this Runtime.
func (rt *Runtime) Destroy(device vk.Device, allocator *vk.AllocationCallbacks) {
	for i := range rt.subpassBuffers {
		rt.subpassBuffers[i].Destroy(device, allocator)
	}
	rt.subpassBuffers = nil
	for i := range rt.DrawElements {
		for j := range rt.DrawElements[i].uniformBuffers {
			rt.DrawElements[i].uniformBuffers[j].Destroy(device, allocator)
		}
		rt.DrawElements[i].uniformBuffers = nil
	}
}

// buildPipeline implements §4.4 step 9's fixed-function state, consulting
// the pipeline cache.
func buildPipeline(in *BuildInput, layout vk.PipelineLayout, resources []reflect.ShaderResource, blendEnable bool) (vk.Pipeline, error) {
	key := rcache.CombineUint32([]uint32{uint32(len(resources))}, []byte(fmt.Sprintf("%v-%v", layout, blendEnable)))

	cached, err := in.Caches.Pipelines.GetOrCreate(key, func() (rcache.Pipeline, error) {
		inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: vk.PrimitiveTopologyTriangleList,
		}
		viewportState := vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		}
		rasterizer := vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: vk.PolygonModeFill,
			CullMode:    vk.CullModeFlags(vk.CullModeBackBit),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		}
		multisample := vk.PipelineMultisampleStateCreateInfo{
			SType:               vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
		}
		depthStencil := vk.PipelineDepthStencilStateCreateInfo{
			SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
			DepthTestEnable:  vk.True,
			DepthWriteEnable: vk.True,
			DepthCompareOp:   vk.CompareOpLess,
		}
		colorBlendAttachment := vk.PipelineColorBlendAttachmentState{
			BlendEnable:         boolToVk(blendEnable),
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
			DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
				vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
		}
		colorBlend := vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			AttachmentCount: 1,
			PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachment},
		}
		dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
		dynamicState := vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: uint32(len(dynamicStates)),
			PDynamicStates:    dynamicStates,
		}
		vertexInput := vk.PipelineVertexInputStateCreateInfo{
			SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
		}

		createInfo := vk.GraphicsPipelineCreateInfo{
			SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
			PVertexInputState:   &vertexInput,
			PInputAssemblyState: &inputAssembly,
			PViewportState:      &viewportState,
			PRasterizationState: &rasterizer,
			PMultisampleState:   &multisample,
			PDepthStencilState:  &depthStencil,
			PColorBlendState:    &colorBlend,
			PDynamicState:       &dynamicState,
			Layout:              layout,
			BasePipelineHandle:  vk.NullPipeline,
			BasePipelineIndex:   -1,
		}
		createInfo.Deref()

		pipelines := []vk.Pipeline{vk.NullPipeline}
		err := lockPoolSafeCall(func() error {
			if res := vk.CreateGraphicsPipelines(in.Device, in.Caches.PipelineCache(), 1, []vk.GraphicsPipelineCreateInfo{createInfo}, in.Allocator, pipelines); res != vk.Success {
				return fmt.Errorf("vkCreateGraphicsPipelines: %d", res)
			}
			return nil
		})
		if err != nil {
			return rcache.Pipeline{}, err
		}
		return rcache.Pipeline{Handle: pipelines[0]}, nil
	})
	if err != nil {
		return nil, err
	}
	return cached.Handle, nil
}

func boolToVk(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}
