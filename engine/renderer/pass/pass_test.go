package pass

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/framegraph"
)

func TestAttachmentUsageColorVsDepthStencil(t *testing.T) {
	color := framegraph.Attachment{Name: "gbuffer", Format: uint32(vk.FormatR8g8b8a8Unorm)}
	if usage := attachmentUsage(color); usage&vk.ImageUsageColorAttachmentBit == 0 {
		t.Fatalf("color attachment missing ColorAttachmentBit: %v", usage)
	}

	depth := framegraph.Attachment{Name: "depth", Format: uint32(FormatDepthStencil)}
	if usage := attachmentUsage(depth); usage&vk.ImageUsageDepthStencilAttachmentBit == 0 {
		t.Fatalf("depth attachment missing DepthStencilAttachmentBit: %v", usage)
	}
}

func TestAttachmentUsageOutputAddsSampledBit(t *testing.T) {
	att := framegraph.Attachment{Name: "albedo", Format: uint32(vk.FormatR8g8b8a8Unorm), Output: true}
	if usage := attachmentUsage(att); usage&vk.ImageUsageSampledBit == 0 {
		t.Fatalf("output attachment missing SampledBit: %v", usage)
	}
}

func TestAttachmentAspect(t *testing.T) {
	if got := attachmentAspect(framegraph.Attachment{Format: uint32(FormatDepthStencil)}); got != vk.ImageAspectDepthBit {
		t.Fatalf("depth aspect = %v, want ImageAspectDepthBit", got)
	}
	if got := attachmentAspect(framegraph.Attachment{Format: uint32(vk.FormatR8g8b8a8Unorm)}); got != vk.ImageAspectColorBit {
		t.Fatalf("color aspect = %v, want ImageAspectColorBit", got)
	}
}

func TestBuildRenderPassRejectsTwoDepthStencilAttachments(t *testing.T) {
	p := framegraph.Pass{
		Name:        "broken",
		Attachments: []framegraph.Attachment{{Format: uint32(FormatDepthStencil)}, {Format: uint32(FormatDepthStencil)}},
		Subpasses: []framegraph.Subpass{{
			Name:        "sp",
			Attachments: map[framegraph.AttachmentUsage][]int{framegraph.UsageDepthStencil: {0, 1}},
		}},
	}
	if _, err := BuildRenderPass(nil, nil, p); err == nil {
		t.Fatalf("expected error for two depth-stencil attachments")
	}
}
