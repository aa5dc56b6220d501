package framegraph

import "testing"

const (
	stageVertex   uint32 = 0x00000001
	stageFragment uint32 = 0x00000010
)

func basicGraphicsSubpass(name string) Subpass {
	return Subpass{
		Name: name,
		Shaders: map[uint32]int{
			stageVertex:   0,
			stageFragment: 1,
		},
		Attachments: map[AttachmentUsage][]int{
			UsageColor: {0},
		},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	fg := FrameGraph{
		Passes: []Pass{
			{
				Name:        "main",
				Attachments: []Attachment{{Name: "swapchain", Output: true}},
				Subpasses:   []Subpass{basicGraphicsSubpass("opaque")},
			},
		},
	}
	if err := Validate(fg, stageVertex, stageFragment); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingFragmentShader(t *testing.T) {
	sp := basicGraphicsSubpass("broken")
	delete(sp.Shaders, stageFragment)
	fg := FrameGraph{Passes: []Pass{{Subpasses: []Subpass{sp}}}}

	if err := Validate(fg, stageVertex, stageFragment); err == nil {
		t.Fatalf("expected error for missing fragment shader")
	}
}

func TestValidateRejectsTwoDepthStencilAttachments(t *testing.T) {
	sp := basicGraphicsSubpass("broken")
	sp.Attachments[UsageDepthStencil] = []int{0, 1}
	fg := FrameGraph{Passes: []Pass{{Subpasses: []Subpass{sp}}}}

	if err := Validate(fg, stageVertex, stageFragment); err == nil {
		t.Fatalf("expected error for two depth-stencil attachments")
	}
}

func TestValidateRejectsUINotLast(t *testing.T) {
	ui := basicGraphicsSubpass(uiSubpassName)
	after := basicGraphicsSubpass("overlay")
	fg := FrameGraph{Passes: []Pass{{Subpasses: []Subpass{ui, after}}}}

	if err := Validate(fg, stageVertex, stageFragment); err != ErrUIMustBeLast {
		t.Fatalf("Validate() = %v, want ErrUIMustBeLast", err)
	}
}

func TestValidateAcceptsUILastSubpassLastPass(t *testing.T) {
	fg := FrameGraph{
		Passes: []Pass{
			{Subpasses: []Subpass{basicGraphicsSubpass("opaque")}},
			{Subpasses: []Subpass{basicGraphicsSubpass("overlay"), basicGraphicsSubpass(uiSubpassName)}},
		},
	}
	if err := Validate(fg, stageVertex, stageFragment); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
