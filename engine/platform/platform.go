// Package platform implements the Window collaborator contract: the small
// slice of windowing behavior the frame graph executor needs (required
// instance extensions, surface creation, resize/close signaling). Input
// handling is out of scope here — only the vulkan-surface lifecycle matters
// to the renderer core.
package platform

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
)

func init() {
	// GLFW event handling must run on the main OS thread.
	runtime.LockOSThread()
}

// Platform wraps a glfw window and implements the Window collaborator
// contract; engine/renderer/vulkan uses it for instance extensions and
// surface creation.
type Platform struct {
	Window *glfw.Window

	resized atomic.Bool
}

func New() (*Platform, error) {
	return &Platform{}, nil
}

func (p *Platform) Startup(applicationName string, x, y, width, height uint32) error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("platform: glfw.Init: %w", err)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Vulkan provides its own context.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		return fmt.Errorf("platform: create window: %w", err)
	}
	p.Window = window

	p.Window.SetFramebufferSizeCallback(p.onFramebufferResized)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
	}
	glfw.Terminate()
	return nil
}

func (p *Platform) PumpMessages() {
	glfw.PollEvents()
}

func (p *Platform) onFramebufferResized(w *glfw.Window, width, height int) {
	p.resized.Store(true)
}

// RequiredInstanceExtensions returns the Vulkan instance extensions glfw
// needs for surface creation on this platform.
func (p *Platform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

// CreateSurface creates a VkSurfaceKHR for this window against the given
// instance.
func (p *Platform) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	surfacePtr, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		return vk.NullSurface, fmt.Errorf("platform: create surface: %w", err)
	}
	return vk.SurfaceFromPointer(surfacePtr), nil
}

// Iconified reports whether the window is currently minimized.
func (p *Platform) Iconified() bool {
	return p.Window.GetAttrib(glfw.Iconified) == glfw.True
}

// FramebufferResized reports whether a resize was observed since the last
// call to SetFramebufferResized(false).
func (p *Platform) FramebufferResized() bool {
	return p.resized.Load()
}

// SetFramebufferResized clears (or forces) the resize flag. Nothing in this
// repository calls it; the flag stays set after the first resize until a
// caller clears it.
func (p *Platform) SetFramebufferResized(v bool) {
	p.resized.Store(v)
}

// ShouldClose reports whether the user requested the window be closed.
func (p *Platform) ShouldClose() bool {
	return p.Window.ShouldClose()
}

// FramebufferSize returns the current framebuffer extent in pixels.
func (p *Platform) FramebufferSize() (uint32, uint32) {
	w, h := p.Window.GetFramebufferSize()
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return uint32(w), uint32(h)
}
