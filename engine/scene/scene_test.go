package scene

import (
	"image"
	"image/color"
	"testing"

	"golang.org/x/image/draw"

	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/math"
)

// placeholderRedPixel builds the single-red-pixel material texture fixture
// used by tests that need a Texture without a real asset pipeline: a 2x2
// red source is resampled down to 1x1, exercising the same resize path a
// mip-less placeholder texture would go through on load.
func placeholderRedPixel(t *testing.T) color.RGBA {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	red := color.RGBA{R: 255, A: 255}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.SetRGBA(x, y, red)
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, 1, 1))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst.RGBAAt(0, 0)
}

func TestPlaceholderTexturePixelFixture(t *testing.T) {
	got := placeholderRedPixel(t)
	want := color.RGBA{R: 255, A: 255}
	if got != want {
		t.Fatalf("placeholder pixel = %+v, want %+v", got, want)
	}
}

func triangleScene(alpha AlphaMode) *Scene {
	mat := &Material{Name: "m", AlphaMode: alpha}
	mesh := &Mesh{
		Primitives: []Primitive{
			{
				Attributes: map[VertexAttributeKind]BufferRef{AttrPosition: {Count: 3}},
				Indices:    &BufferRef{Count: 3},
				Material:   mat,
			},
		},
	}
	return &Scene{
		Nodes: []Node{
			{Name: "root", Local: math.NewMat4Identity(), Mesh: mesh, Parent: -1},
		},
		Roots: []int{0},
	}
}

func TestFlattenEmitsOnePrimitivePerIndexedMesh(t *testing.T) {
	sc := triangleScene(AlphaOpaque)
	enabled := []framegraph.EnabledScene{{SceneIndex: 0, Model: math.NewMat4Identity()}}

	got, err := Flatten([]*Scene{sc}, enabled)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].SceneIndex != 0 {
		t.Fatalf("SceneIndex = %d, want 0", got[0].SceneIndex)
	}
}

func TestFlattenSkipsNonIndexedPrimitives(t *testing.T) {
	sc := triangleScene(AlphaOpaque)
	sc.Nodes[0].Mesh.Primitives[0].Indices = nil
	enabled := []framegraph.EnabledScene{{SceneIndex: 0, Model: math.NewMat4Identity()}}

	got, err := Flatten([]*Scene{sc}, enabled)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0", len(got))
	}
}

func TestSelectForSubpassOpaqueVsTransparency(t *testing.T) {
	primitives := []ScenePrimitive{
		{Primitive: &Primitive{Material: &Material{AlphaMode: AlphaOpaque}}},
		{Primitive: &Primitive{Material: &Material{AlphaMode: AlphaBlend}}},
		{Primitive: &Primitive{Material: &Material{AlphaMode: AlphaMask}}},
	}

	opaque := SelectForSubpass(primitives, "")
	if len(opaque) != 2 {
		t.Fatalf("opaque selection len = %d, want 2", len(opaque))
	}

	transparent := SelectForSubpass(primitives, "transparency")
	if len(transparent) != 1 {
		t.Fatalf("transparency selection len = %d, want 1", len(transparent))
	}
}

func TestFlattenComposesParentChain(t *testing.T) {
	mat := &Material{AlphaMode: AlphaOpaque}
	childMesh := &Mesh{Primitives: []Primitive{{
		Attributes: map[VertexAttributeKind]BufferRef{AttrPosition: {Count: 3}},
		Indices:    &BufferRef{Count: 3},
		Material:   mat,
	}}}
	sc := &Scene{
		Nodes: []Node{
			{Name: "parent", Local: math.NewMat4Translation(math.NewVec3(1, 0, 0)), Parent: -1, Children: []int{1}},
			{Name: "child", Local: math.NewMat4Translation(math.NewVec3(0, 1, 0)), Mesh: childMesh, Parent: 0},
		},
		Roots: []int{0},
	}
	enabled := []framegraph.EnabledScene{{SceneIndex: 0, Model: math.NewMat4Identity()}}

	got, err := Flatten([]*Scene{sc}, enabled)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	// translation column should reflect parent (1,0,0) + child (0,1,0) = (1,1,0)
	m := got[0].Model
	if m.Data[12] != 1 || m.Data[13] != 1 {
		t.Fatalf("composed translation = (%v,%v), want (1,1)", m.Data[12], m.Data[13])
	}
}
