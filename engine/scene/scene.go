// Package scene holds the read-only value types supplied by the (external,
// out-of-scope) asset loader — Scene, Node, Mesh, Primitive, Material,
// Light, Sampler, Image — and the Asset/Scene Glue traversal that turns a
// set of enabled scenes into the flat ScenePrimitive list the Subpass
// Builder consumes.
package scene

import (
	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/math"
)

// AlphaMode is a material's alpha-blending behavior.
type AlphaMode int

const (
	AlphaOpaque AlphaMode = iota
	AlphaMask
	AlphaBlend
)

// TextureRole names one of the five PBR texture slots a Material may bind.
type TextureRole string

const (
	TextureBaseColor         TextureRole = "base_color"
	TextureMetallicRoughness TextureRole = "metallic_roughness"
	TextureNormal            TextureRole = "normal"
	TextureOcclusion         TextureRole = "occlusion"
	TextureEmissive          TextureRole = "emissive"
)

// Image is an opaque, externally-loaded GPU image resource. Identity (the
// pointer) is what the bindless set keys its index map by.
type Image struct {
	Name string
	View uintptr // vk.ImageView handle, kept generic to avoid importing the GPU layer here.
}

// Sampler is an opaque, externally-loaded sampler resource. Identity is
// what the bindless set keys its index map by.
type Sampler struct {
	Name   string
	Handle uintptr // vk.Sampler handle, kept generic to avoid importing the GPU layer here.
}

// Texture pairs an Image with the Sampler it should be read through.
type Texture struct {
	Image   *Image
	Sampler *Sampler
}

// Material is the read-only PBR material description (§3).
type Material struct {
	Name      string
	Textures  map[TextureRole]*Texture
	BaseColorFactor         math.Vec4
	MetallicFactor          float32
	RoughnessFactor         float32
	EmissiveFactor          math.Vec3
	AlphaMode               AlphaMode
	AlphaCutoff             float32
	DoubleSided             bool
}

// HasTexture reports whether the material binds a texture for role.
func (m *Material) HasTexture(role TextureRole) bool {
	if m.Textures == nil {
		return false
	}
	_, ok := m.Textures[role]
	return ok
}

// VertexAttributeKind names a vertex buffer attribute a Primitive supplies.
type VertexAttributeKind string

const (
	AttrPosition VertexAttributeKind = "POSITION"
	AttrNormal   VertexAttributeKind = "NORMAL"
	AttrTangent  VertexAttributeKind = "TANGENT"
	AttrTexcoord VertexAttributeKind = "TEXCOORD_0"
	AttrColor    VertexAttributeKind = "COLOR_0"
)

// BufferRef is an opaque reference to a GPU vertex or index buffer,
// resolved by the (external) asset loader.
type BufferRef struct {
	Buffer    uintptr // vk.Buffer handle, kept generic to avoid importing the GPU layer here.
	Offset    uint64
	Count     uint32
	ByteSize  uint64
}

// Primitive is one drawable mesh primitive: a set of vertex attribute
// buffers, an optional index buffer, and a material.
type Primitive struct {
	Attributes map[VertexAttributeKind]BufferRef
	Indices    *BufferRef // nil => non-indexed (not emitted as a ScenePrimitive per §4.8).
	Material   *Material
}

// HasAttribute reports whether the primitive supplies the given vertex
// attribute.
func (p *Primitive) HasAttribute(kind VertexAttributeKind) bool {
	_, ok := p.Attributes[kind]
	return ok
}

// Mesh groups primitives that share a single transform.
type Mesh struct {
	Primitives []Primitive
}

// Node is one entry in a scene's flat node table. Children and Parent are
// indices into the owning Scene.Nodes slice, never reciprocal pointers
// (§9's resolution for cyclic Node<->Node references).
type Node struct {
	Name     string
	Local    math.Mat4
	Mesh     *Mesh
	Parent   int // -1 for a root node.
	Children []int
}

// Light is a punctual light definition (point/spot/directional), opaque to
// this package beyond what the Subpass Builder's UBO needs.
type Light struct {
	Position  math.Vec3
	Direction math.Vec3
	Color     math.Vec3
	Intensity float32
	Range     float32
}

// Scene is a flat node table plus the set of root node indices.
type Scene struct {
	Nodes []Node
	Roots []int
}

// ScenePrimitive is one drawable instance produced by flattening a scene's
// node hierarchy: a world transform composed with an externally supplied
// per-scene model matrix, applied to one mesh primitive.
type ScenePrimitive struct {
	SceneIndex    int
	Model         math.Mat4
	InverseModel  math.Mat4
	Primitive     *Primitive
}

// bfsEntry pairs a node index with its already-composed parent-chain world
// matrix, avoiding any reciprocal parent pointer per §9.
type bfsEntry struct {
	nodeIndex int
	world     math.Mat4
}

// Flatten performs the Asset/Scene Glue traversal (C8, §4.8): for every
// enabled scene, walk its node tree breadth-first composing
// enabledModel * parentWorld * local, and emit one ScenePrimitive per mesh
// primitive that has an index buffer.
func Flatten(scenes []*Scene, enabled []framegraph.EnabledScene) ([]ScenePrimitive, error) {
	var out []ScenePrimitive

	for _, es := range enabled {
		if es.SceneIndex < 0 || es.SceneIndex >= len(scenes) {
			continue
		}
		sc := scenes[es.SceneIndex]
		if sc == nil {
			continue
		}

		queue := make([]bfsEntry, 0, len(sc.Roots))
		for _, root := range sc.Roots {
			queue = append(queue, bfsEntry{nodeIndex: root, world: es.Model})
		}

		for len(queue) > 0 {
			entry := queue[0]
			queue = queue[1:]

			node := sc.Nodes[entry.nodeIndex]
			world := entry.world.Mul(node.Local)

			if node.Mesh != nil {
				for i := range node.Mesh.Primitives {
					prim := &node.Mesh.Primitives[i]
					if prim.Indices == nil {
						continue
					}
					out = append(out, ScenePrimitive{
						SceneIndex:   es.SceneIndex,
						Model:        world,
						InverseModel: world.Inverse(),
						Primitive:    prim,
					})
				}
			}

			for _, child := range node.Children {
				queue = append(queue, bfsEntry{nodeIndex: child, world: world})
			}
		}
	}

	return out, nil
}

// SelectForSubpass applies the draw-element selection rule from §4.4: by
// scene tag and material alpha mode.
func SelectForSubpass(primitives []ScenePrimitive, sceneTag string) []ScenePrimitive {
	var out []ScenePrimitive
	for _, sp := range primitives {
		mat := sp.Primitive.Material
		var keep bool
		switch sceneTag {
		case "transparency":
			keep = mat != nil && mat.AlphaMode == AlphaBlend
		default:
			keep = mat != nil && (mat.AlphaMode == AlphaOpaque || mat.AlphaMode == AlphaMask)
		}
		if keep {
			out = append(out, sp)
		}
	}
	return out
}
