// Package testbed is a minimal smoke-test harness for the engine: it boots
// a window, loads a one-pass frame graph and presents cleared attachments
// every frame. It stands in for the external asset collaborator (§6) with
// the simplest possible implementation — no glTF loading, no GLSL
// compilation, just pre-baked SPIR-V read straight off disk.
package testbed

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine"
	"github.com/kaelforge/kaelforge/engine/config"
	"github.com/kaelforge/kaelforge/engine/core"
	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/rcache"
	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
	"github.com/kaelforge/kaelforge/engine/renderer/vulkan"
	"github.com/kaelforge/kaelforge/engine/scene"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	width, height uint32

	shaderPaths []string
	scenes      []*scene.Scene
}

func NewTestGame() (*TestGame, error) {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				StartPosX:   100,
				StartPosY:   100,
				StartWidth:  1280,
				StartHeight: 720,
				Name:        "Kaelforge Testbed",
				ConfigPath:  "testbed/assets/config.json",
				CacheDir:    "testbed/.cache",
			},
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnBuildSubpassInput = tg.BuildSubpassInput

	return tg, nil
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize() error {
	cc, err := config.Load(g.ApplicationConfig.ConfigPath)
	if err != nil {
		return err
	}

	st := g.state()
	st.shaderPaths = cc.Shaders

	// Geometry loading belongs to the asset collaborator (§6); the testbed
	// ships no scenes of its own, so every declared scene resolves to an
	// empty node table and the frame graph's subpasses record zero draw
	// elements.
	st.scenes = make([]*scene.Scene, len(cc.Scenes))
	for i := range cc.Scenes {
		st.scenes[i] = &scene.Scene{}
	}

	core.LogInfo("testbed initialized: %d shader(s), %d scene(s)", len(st.shaderPaths), len(st.scenes))
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	return nil
}

func (g *TestGame) Render(deltaTime float64) error {
	return nil
}

func (g *TestGame) OnResize(width, height uint32) error {
	st := g.state()
	st.width, st.height = width, height
	core.LogDebug("testbed resized to %dx%d", width, height)
	return nil
}

// BuildSubpassInput is the Game.FnBuildSubpassInput hook: it resolves one
// declarative subpass into the shaders and scene primitives the Subpass
// Builder needs.
func (g *TestGame) BuildSubpassInput(pass framegraph.Pass, sp framegraph.Subpass, frameCount uint32, device vk.Device, allocator *vk.AllocationCallbacks, caches *rcache.Caches, cacheDir string, context *vulkan.VulkanContext) (*subpass.BuildInput, error) {
	st := g.state()

	in := &subpass.BuildInput{
		Descriptor:           sp,
		FrameCount:           frameCount,
		Device:               device,
		Allocator:            allocator,
		Caches:               caches,
		CacheDir:             cacheDir,
		Context:              context,
		VertexStage:          vk.ShaderStageVertexBit,
		FragmentStage:        vk.ShaderStageFragmentBit,
		ColorAttachmentCount: uint32(len(sp.Attachments[framegraph.UsageColor])),
	}

	if sp.IsUI() {
		return in, nil
	}

	if idx, ok := sp.Shaders[uint32(vk.ShaderStageVertexBit)]; ok {
		in.VertexShader = st.shaderFor(idx)
	}
	if idx, ok := sp.Shaders[uint32(vk.ShaderStageFragmentBit)]; ok {
		in.FragmentShader = st.shaderFor(idx)
	}

	enabled := make([]framegraph.EnabledScene, len(st.scenes))
	for i := range st.scenes {
		enabled[i] = framegraph.EnabledScene{SceneIndex: i}
	}
	primitives, err := scene.Flatten(st.scenes, enabled)
	if err != nil {
		return nil, err
	}
	in.Primitives = scene.SelectForSubpass(primitives, sp.Scene)

	return in, nil
}

func (s *gameState) shaderFor(index int) subpass.Shader {
	if index < 0 || index >= len(s.shaderPaths) {
		return nil
	}
	return &fileShader{path: s.shaderPaths[index]}
}

// fileShader implements subpass.Shader by reading a precompiled SPIR-V
// binary straight off disk. GLSL/HLSL compilation is the asset pipeline's
// job (§6) and is out of scope here.
type fileShader struct {
	path string
}

func (f *fileShader) Path() string { return f.path }

func (f *fileShader) HashValue(macros []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(f.path))
	for _, m := range macros {
		h.Write([]byte{0x1f})
		h.Write([]byte(m))
	}
	return h.Sum64()
}

func (f *fileShader) CompileToSpirv(macros []string) ([]uint32, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("fileShader: read %s: %w", f.path, err)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("fileShader: %s is not a valid SPIR-V binary (length %d not a multiple of 4)", f.path, len(data))
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words, nil
}
