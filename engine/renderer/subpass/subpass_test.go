package subpass

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/reflect"
	"github.com/kaelforge/kaelforge/engine/scene"
)

func TestAssembleMacrosIncludesTextureAndMaskTags(t *testing.T) {
	mat := &scene.Material{
		AlphaMode: scene.AlphaMask,
		Textures: map[scene.TextureRole]*scene.Texture{
			scene.TextureBaseColor: {},
		},
	}
	macros := assembleMacros(framegraph.Subpass{}, mat, 2)

	want := map[string]bool{
		macroPi:            false,
		"DHAS_BASE_COLOR":  false,
		"DHAS_MASK_ALPHA":  false,
		"DLIGHT_COUNT 2":   false,
	}
	for _, m := range macros {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Fatalf("macros %v missing %q", macros, k)
		}
	}
}

func TestPartitionResourcesRejectsNonContiguousSets(t *testing.T) {
	resources := []reflect.ShaderResource{
		{Name: "camera", Kind: reflect.KindUniformBuffer, Set: 0},
		{Name: "albedo", Kind: reflect.KindCombinedImageSampler, Set: 2},
	}
	if _, err := partitionResources(resources); err == nil {
		t.Fatalf("expected error for non-contiguous sets")
	}
}

func TestPartitionResourcesClassifiesByNamePrefix(t *testing.T) {
	resources := []reflect.ShaderResource{
		{Name: "subpassCamera", Kind: reflect.KindUniformBuffer, Set: 0},
		{Name: "bindlessSamplers", Kind: reflect.KindSampler, Set: 1},
		{Name: "drawElement", Kind: reflect.KindUniformBuffer, Set: 2},
	}
	p, err := partitionResources(resources)
	if err != nil {
		t.Fatalf("partitionResources: %v", err)
	}
	if len(p.subpassSet) != 1 || p.subpassSet[0].Name != "subpassCamera" {
		t.Fatalf("subpassSet = %+v", p.subpassSet)
	}
	if len(p.bindlessSet) != 1 || p.bindlessSet[0].Name != "bindlessSamplers" {
		t.Fatalf("bindlessSet = %+v", p.bindlessSet)
	}
	if len(p.drawElementSets[2]) != 1 {
		t.Fatalf("drawElementSets[2] = %+v", p.drawElementSets[2])
	}
	if p.drawElementSetIndex != 2 {
		t.Fatalf("drawElementSetIndex = %d, want 2", p.drawElementSetIndex)
	}
}

func TestBindlessIndexMapsOverflow(t *testing.T) {
	b := newBindlessIndexMaps()
	for i := 0; i < BindlessSamplerSlots; i++ {
		if _, err := b.SamplerSlot(&scene.Sampler{Name: string(rune('a' + i))}); err != nil {
			t.Fatalf("SamplerSlot[%d]: %v", i, err)
		}
	}
	if _, err := b.SamplerSlot(&scene.Sampler{Name: "overflow"}); err == nil {
		t.Fatalf("expected overflow error on 9th distinct sampler")
	}
}

func TestBindlessIndexMapsReusesSlotForSameSampler(t *testing.T) {
	b := newBindlessIndexMaps()
	s := &scene.Sampler{Name: "s"}
	i1, err := b.SamplerSlot(s)
	if err != nil {
		t.Fatalf("SamplerSlot: %v", err)
	}
	i2, err := b.SamplerSlot(s)
	if err != nil {
		t.Fatalf("SamplerSlot: %v", err)
	}
	if i1 != i2 {
		t.Fatalf("same sampler got different slots: %d != %d", i1, i2)
	}
}

func TestDenseSetLayoutsFillsGapsAndOrdersBySetIndex(t *testing.T) {
	subpassLayout := vk.DescriptorSetLayout(uintptr(1))
	bindlessLayout := vk.DescriptorSetLayout(uintptr(2))
	layoutByIndex := map[uint32]vk.DescriptorSetLayout{
		0: subpassLayout,
		2: bindlessLayout,
	}
	got := denseSetLayouts(layoutByIndex)
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0] != subpassLayout {
		t.Fatalf("got[0] = %v, want subpass layout at its declared set index", got[0])
	}
	if got[1] != nil {
		t.Fatalf("got[1] = %v, want nil (no shader resource declares set 1)", got[1])
	}
	if got[2] != bindlessLayout {
		t.Fatalf("got[2] = %v, want bindless layout at its declared set index", got[2])
	}
}

func TestDenseSetLayoutsEmptyWhenNoSets(t *testing.T) {
	if got := denseSetLayouts(map[uint32]vk.DescriptorSetLayout{}); got != nil {
		t.Fatalf("got = %v, want nil", got)
	}
}

func TestFrameCountFloorsAtOne(t *testing.T) {
	if got := frameCount(&BuildInput{FrameCount: 0}); got != 1 {
		t.Fatalf("frameCount(0) = %d, want 1", got)
	}
	if got := frameCount(&BuildInput{FrameCount: 3}); got != 3 {
		t.Fatalf("frameCount(3) = %d, want 3", got)
	}
}

func TestDescriptorPoolsNilWithoutContext(t *testing.T) {
	if got := descriptorPools(&BuildInput{}); got != nil {
		t.Fatalf("descriptorPools with nil Context = %v, want nil", got)
	}
}

func TestMergePushConstantsCombinesOverlappingRanges(t *testing.T) {
	resources := []reflect.ShaderResource{
		{Kind: reflect.KindPushConstantBuffer, Offset: 0, Size: 16, StageMask: vk.ShaderStageVertexBit},
		{Kind: reflect.KindPushConstantBuffer, Offset: 8, Size: 16, StageMask: vk.ShaderStageFragmentBit},
	}
	merged := mergePushConstants(resources)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	if merged[0].Offset != 0 || merged[0].Size != 24 {
		t.Fatalf("merged range = [%d,+%d), want [0,+24)", merged[0].Offset, merged[0].Size)
	}
	want := vk.ShaderStageFlagBits(vk.ShaderStageVertexBit) | vk.ShaderStageFragmentBit
	if merged[0].StageMask != want {
		t.Fatalf("StageMask = %v, want %v", merged[0].StageMask, want)
	}
}
