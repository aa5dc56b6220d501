// Package framegraph holds the declarative, data-driven description of one
// frame's rendering: an ordered sequence of passes, each with attachments
// and subpasses, plus the set of scenes enabled for this frame.
package framegraph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaelforge/kaelforge/engine/math"
)

// PassType distinguishes graphics from compute passes.
type PassType int

const (
	PassGraphics PassType = iota
	PassCompute
)

// AttachmentUsage is the role an attachment plays within a subpass.
type AttachmentUsage int

const (
	UsageInput AttachmentUsage = iota
	UsageColor
	UsageDepthStencil
)

// Attachment is a logical framebuffer slot declared on a Pass.
type Attachment struct {
	Name   string
	Format uint32 // vk.Format, kept as uint32 here to avoid a GPU-layer import in this pure data package.
	Output bool
}

// IsSwapchain reports whether this attachment is backed by the swapchain
// image rather than an engine-allocated one.
func (a Attachment) IsSwapchain() bool {
	return a.Name == "swapchain"
}

// Subpass is the declarative description of one subpass within a pass.
type Subpass struct {
	Name   string
	Scene  string // "" or "transparency", or a caller-defined tag.
	Lights []int

	// Shaders maps a shader stage (vk.ShaderStageFlagBits) to an index into
	// the asset collaborator's shader list.
	Shaders map[uint32]int

	// Attachments maps a usage kind to the ordered list of attachment
	// indices (into the owning Pass's Attachments slice) used that way.
	Attachments map[AttachmentUsage][]int
}

const uiSubpassName = "ui"

// IsUI reports whether this is the special UI subpass (§4.5's UI pass
// special case).
func (s Subpass) IsUI() bool {
	return s.Name == uiSubpassName
}

// Validate enforces the subpass-level structural invariants from §3: at
// most one depth-stencil attachment, and (for every non-UI subpass) a
// vertex and fragment shader must both be present. The owning pass's type
// is not consulted, so a compute pass's subpasses are checked the same way.
func (s Subpass) Validate(vertexStage, fragmentStage uint32) error {
	if len(s.Attachments[UsageDepthStencil]) > 1 {
		return fmt.Errorf("framegraph: subpass %q declares %d depth-stencil attachments, want 0 or 1", s.Name, len(s.Attachments[UsageDepthStencil]))
	}
	if s.IsUI() {
		return nil
	}
	if _, ok := s.Shaders[vertexStage]; !ok {
		return fmt.Errorf("framegraph: subpass %q is missing a vertex shader", s.Name)
	}
	if _, ok := s.Shaders[fragmentStage]; !ok {
		return fmt.Errorf("framegraph: subpass %q is missing a fragment shader", s.Name)
	}
	return nil
}

// Pass is the declarative description of a render pass: its attachments
// and ordered subpasses.
type Pass struct {
	Name        string
	Type        PassType
	Attachments []Attachment
	Subpasses   []Subpass
}

// EnabledScene is one scene instance placed into the world for this frame.
type EnabledScene struct {
	SceneIndex int
	Model      math.Mat4
}

// FrameGraph is the full declarative input consumed by the Pass Builder.
type FrameGraph struct {
	Passes        []Pass
	EnabledScenes []EnabledScene
}

// Load reads and parses the frame graph JSON file at path, one entry of the
// list a config.Config's FrameGraphs field names.
func Load(path string) (FrameGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FrameGraph{}, fmt.Errorf("framegraph: read %s: %w", path, err)
	}
	var fg FrameGraph
	if err := json.Unmarshal(data, &fg); err != nil {
		return FrameGraph{}, fmt.Errorf("framegraph: parse %s: %w", path, err)
	}
	return fg, nil
}

// ErrUIMustBeLast is returned by Validate when a subpass named "ui" is not
// the very last subpass of the very last pass — the spec's own resolution
// of its "UI subpass ordering" open question (see DESIGN.md).
var ErrUIMustBeLast = fmt.Errorf("framegraph: a \"ui\" subpass must be the last subpass of the last pass")

// Validate checks structural invariants across the whole graph: per-subpass
// checks (via Subpass.Validate) and the UI-must-be-last rule. It does not
// check descriptor-set contiguity — that is a per-subpass, GPU-reflection-
// dependent check performed by the Subpass Builder at build time.
func Validate(fg FrameGraph, vertexStage, fragmentStage uint32) error {
	for pi, pass := range fg.Passes {
		for si, sp := range pass.Subpasses {
			if err := sp.Validate(vertexStage, fragmentStage); err != nil {
				return err
			}
			isLastSubpass := si == len(pass.Subpasses)-1
			isLastPass := pi == len(fg.Passes)-1
			if sp.IsUI() && !(isLastSubpass && isLastPass) {
				return ErrUIMustBeLast
			}
		}
	}
	return nil
}
