// Package pass implements the Pass Builder (C5): turning a declarative
// framegraph.Pass into a concrete vk.RenderPass, per-frame framebuffers,
// and the cross-pass shared image view map (§4.5).
package pass

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
)

// FormatDepthStencil is the sentinel attachment format that marks an
// attachment as depth-stencil rather than color (§3's "depth-stencil if
// D32_SFLOAT" rule).
const FormatDepthStencil = vk.FormatD32Sfloat

// AttachmentImage is one pass-owned (non-swapchain) image + view, rebuilt
// on resize.
type AttachmentImage struct {
	Image      vk.Image
	Memory     vk.DeviceMemory
	View       vk.ImageView
	IsSwapchain bool
}

// FrameResources is one in-flight frame's framebuffer + attachment images
// for one pass.
type FrameResources struct {
	Framebuffer vk.Framebuffer
	Attachments []AttachmentImage
}

// Runtime is one pass's built state (§3's "Pass runtime state").
type Runtime struct {
	Descriptor  framegraph.Pass
	RenderPass  vk.RenderPass
	Frames      []FrameResources
	RenderArea  vk.Rect2D
	ClearValues []vk.ClearValue
	Subpasses   []*subpass.Runtime
}

// SharedImageViews is the cross-pass map output attachments publish their
// views into, keyed by attachment name then frame index (§4.5).
type SharedImageViews map[string][]vk.ImageView

func attachmentUsage(att framegraph.Attachment) vk.ImageUsageFlagBits {
	usage := vk.ImageUsageInputAttachmentBit
	if att.Format != uint32(FormatDepthStencil) {
		usage |= vk.ImageUsageColorAttachmentBit
	} else {
		usage |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if att.Output {
		usage |= vk.ImageUsageSampledBit
	}
	return usage
}

func attachmentAspect(att framegraph.Attachment) vk.ImageAspectFlagBits {
	if att.Format == uint32(FormatDepthStencil) {
		return vk.ImageAspectDepthBit
	}
	return vk.ImageAspectColorBit
}

// BuildRenderPass implements §4.5's attachment/subpass-description/
// dependency construction.
func BuildRenderPass(device vk.Device, allocator *vk.AllocationCallbacks, p framegraph.Pass) (vk.RenderPass, error) {
	descriptions := make([]vk.AttachmentDescription, len(p.Attachments))
	for i, att := range p.Attachments {
		finalLayout := vk.ImageLayoutShaderReadOnlyOptimal
		storeOp := vk.AttachmentStoreOpDontCare
		if att.Output {
			storeOp = vk.AttachmentStoreOpStore
		}
		descriptions[i] = vk.AttachmentDescription{
			Format:         vk.Format(att.Format),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        storeOp,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    finalLayout,
		}
	}

	subpassDescriptions := make([]vk.SubpassDescription, len(p.Subpasses))
	// References must outlive the loop that builds subpassDescriptions
	// since vk.SubpassDescription holds slice pointers.
	refsByIndex := make([][]vk.AttachmentReference, len(p.Subpasses))
	depthRefsByIndex := make([]*vk.AttachmentReference, len(p.Subpasses))
	inputRefsByIndex := make([][]vk.AttachmentReference, len(p.Subpasses))

	for i, sp := range p.Subpasses {
		var colorRefs []vk.AttachmentReference
		for _, idx := range sp.Attachments[framegraph.UsageColor] {
			colorRefs = append(colorRefs, vk.AttachmentReference{Attachment: uint32(idx), Layout: vk.ImageLayoutColorAttachmentOptimal})
		}
		var inputRefs []vk.AttachmentReference
		for _, idx := range sp.Attachments[framegraph.UsageInput] {
			inputRefs = append(inputRefs, vk.AttachmentReference{Attachment: uint32(idx), Layout: vk.ImageLayoutShaderReadOnlyOptimal})
		}
		var depthRef *vk.AttachmentReference
		if ds := sp.Attachments[framegraph.UsageDepthStencil]; len(ds) == 1 {
			depthRef = &vk.AttachmentReference{Attachment: uint32(ds[0]), Layout: vk.ImageLayoutDepthStencilAttachmentOptimal}
		} else if len(ds) > 1 {
			return nil, fmt.Errorf("pass %q subpass %q: %d depth-stencil attachments, want 0 or 1", p.Name, sp.Name, len(ds))
		}

		refsByIndex[i] = colorRefs
		inputRefsByIndex[i] = inputRefs
		depthRefsByIndex[i] = depthRef

		desc := vk.SubpassDescription{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: uint32(len(colorRefs)),
			PColorAttachments:    colorRefs,
			InputAttachmentCount: uint32(len(inputRefs)),
			PInputAttachments:    inputRefs,
		}
		if depthRef != nil {
			desc.PDepthStencilAttachment = depthRef
		}
		subpassDescriptions[i] = desc
	}

	var dependencies []vk.SubpassDependency
	for i := 1; i < len(p.Subpasses); i++ {
		dependencies = append(dependencies, vk.SubpassDependency{
			SrcSubpass:      uint32(i - 1),
			DstSubpass:      uint32(i),
			SrcStageMask:    vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			DstStageMask:    vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) | vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			SrcAccessMask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
			DstAccessMask:   vk.AccessFlags(vk.AccessInputAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
			DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
		})
	}

	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descriptions)),
		PAttachments:    descriptions,
		SubpassCount:    uint32(len(subpassDescriptions)),
		PSubpasses:      subpassDescriptions,
		DependencyCount: uint32(len(dependencies)),
		PDependencies:   dependencies,
	}
	createInfo.Deref()

	var handle vk.RenderPass
	if res := vk.CreateRenderPass(device, &createInfo, allocator, &handle); res != vk.Success {
		return nil, fmt.Errorf("pass %q: vkCreateRenderPass: %d", p.Name, res)
	}
	return handle, nil
}

// BuildFrameResources implements §4.5's per-frame framebuffer creation,
// publishing output attachments' views into shared under their name.
func BuildFrameResources(device vk.Device, allocator *vk.AllocationCallbacks, p framegraph.Pass, renderPass vk.RenderPass, frameIndex int, extent vk.Extent2D, swapchainImageView vk.ImageView, shared SharedImageViews) (FrameResources, error) {
	views := make([]vk.ImageView, len(p.Attachments))
	images := make([]AttachmentImage, len(p.Attachments))

	for i, att := range p.Attachments {
		if att.IsSwapchain() {
			images[i] = AttachmentImage{View: swapchainImageView, IsSwapchain: true}
			views[i] = swapchainImageView
			continue
		}

		imageCreateInfo := vk.ImageCreateInfo{
			SType:       vk.StructureTypeImageCreateInfo,
			ImageType:   vk.ImageType2d,
			Format:      vk.Format(att.Format),
			Extent:      vk.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
			MipLevels:   1,
			ArrayLayers: 1,
			Samples:     vk.SampleCount1Bit,
			Tiling:      vk.ImageTilingOptimal,
			Usage:       vk.ImageUsageFlags(attachmentUsage(att)),
			SharingMode: vk.SharingModeExclusive,
		}
		imageCreateInfo.Deref()

		var image vk.Image
		if res := vk.CreateImage(device, &imageCreateInfo, allocator, &image); res != vk.Success {
			return FrameResources{}, fmt.Errorf("pass %q attachment %q: vkCreateImage: %d", p.Name, att.Name, res)
		}

		viewCreateInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    image,
			ViewType: vk.ImageViewType2d,
			Format:   vk.Format(att.Format),
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask:     vk.ImageAspectFlags(attachmentAspect(att)),
				LevelCount:     1,
				LayerCount:     1,
			},
		}
		viewCreateInfo.Deref()

		var view vk.ImageView
		if res := vk.CreateImageView(device, &viewCreateInfo, allocator, &view); res != vk.Success {
			return FrameResources{}, fmt.Errorf("pass %q attachment %q: vkCreateImageView: %d", p.Name, att.Name, res)
		}

		images[i] = AttachmentImage{Image: image, View: view}
		views[i] = view

		if att.Output {
			if shared[att.Name] == nil {
				shared[att.Name] = make([]vk.ImageView, frameIndex+1)
			}
			for len(shared[att.Name]) <= frameIndex {
				shared[att.Name] = append(shared[att.Name], nil)
			}
			shared[att.Name][frameIndex] = view
		}
	}

	fbCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderPass,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           extent.Width,
		Height:          extent.Height,
		Layers:          1,
	}
	fbCreateInfo.Deref()

	var fb vk.Framebuffer
	if res := vk.CreateFramebuffer(device, &fbCreateInfo, allocator, &fb); res != vk.Success {
		return FrameResources{}, fmt.Errorf("pass %q: vkCreateFramebuffer: %d", p.Name, res)
	}

	return FrameResources{Framebuffer: fb, Attachments: images}, nil
}

// Destroy releases this frame's non-swapchain attachment images/views and
// its framebuffer.
func (f *FrameResources) Destroy(device vk.Device, allocator *vk.AllocationCallbacks) {
	if f.Framebuffer != nil {
		vk.DestroyFramebuffer(device, f.Framebuffer, allocator)
		f.Framebuffer = nil
	}
	for i := range f.Attachments {
		a := &f.Attachments[i]
		if a.IsSwapchain {
			continue
		}
		if a.View != nil {
			vk.DestroyImageView(device, a.View, allocator)
			a.View = nil
		}
		if a.Image != nil {
			vk.DestroyImage(device, a.Image, allocator)
			a.Image = nil
		}
	}
}
