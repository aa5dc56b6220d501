package engine

import (
	"fmt"
	"runtime"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/config"
	"github.com/kaelforge/kaelforge/engine/core"
	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/platform"
	"github.com/kaelforge/kaelforge/engine/renderer/frame"
	"github.com/kaelforge/kaelforge/engine/renderer/pass"
	"github.com/kaelforge/kaelforge/engine/renderer/rcache"
	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
	"github.com/kaelforge/kaelforge/engine/renderer/vulkan"
)

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// Window starting width, if applicable.
	StartWidth uint32
	// Window starting height, if applicable.
	StartHeight uint32
	// The application name used in windowing, if applicable.
	Name string
	// ConfigPath points to the on-disk JSON config (§ config.Config).
	ConfigPath string
	// CacheDir holds the on-disk SPIR-V and pipeline caches (§12).
	CacheDir string
}

type applicationState struct {
	GameInstance  *Game
	IsRunning     bool
	IsSuspended   bool
	PlatformState *platform.Platform
	Width         uint32
	Height        uint32
	Clock         *core.Clock
	LastTime      float64

	renderer *vulkan.VulkanRenderer
	caches   *rcache.Caches
	config   *config.Config
	graph    framegraph.FrameGraph
	passes   []*pass.Runtime
	executor *frame.Executor
}

var newApplication sync.Once

var (
	initialize bool = false
	appState   *applicationState
)

func ApplicationCreate(gameInstance *Game) error {
	if initialize {
		return fmt.Errorf("application already initialized")
	}

	newApplication.Do(func() {
		appState = &applicationState{
			GameInstance: gameInstance,
			Clock:        core.NewClock(),
			IsRunning:    true,
			IsSuspended:  false,
			Width:        0,
			Height:       0,
			LastTime:     0,
		}
	})

	// initialize input
	if err := core.InputInitialize(); err != nil {
		return err
	}

	// initialize events
	if !core.EventInitialize() {
		return fmt.Errorf("failed to initialize the event system")
	}

	// register some events
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, 0, applicationOnEvent)
	core.EventRegister(core.EVENT_CODE_KEY_PRESSED, 0, applicationOnKey)
	core.EventRegister(core.EVENT_CODE_KEY_RELEASED, 0, applicationOnKey)
	core.EventRegister(core.EVENT_CODE_RESIZED, 0, applicationOnResized)

	p, err := platform.New()
	if err != nil {
		return err
	}
	appState.PlatformState = p

	cfg := appState.GameInstance.ApplicationConfig

	if err := p.Startup(cfg.Name, cfg.StartPosX, cfg.StartPosY, cfg.StartWidth, cfg.StartHeight); err != nil {
		return err
	}

	// initialize renderer
	vr := vulkan.New(p)
	if err := vr.Initialize(cfg.Name, cfg.StartWidth, cfg.StartHeight); err != nil {
		return err
	}
	appState.renderer = vr

	if err := initializeFrameGraph(cfg); err != nil {
		return err
	}

	if err := appState.GameInstance.FnInitialize(); err != nil {
		return err
	}

	if err := appState.GameInstance.FnOnResize(appState.Width, appState.Height); err != nil {
		return err
	}

	initialize = true

	return nil
}

// initializeFrameGraph loads the active frame graph from the application's
// config and builds every pass and subpass it describes (§4.5/§4.4) ahead
// of the first frame.
func initializeFrameGraph(cfg *ApplicationConfig) error {
	cc, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	fg, err := framegraph.Load(cc.ActiveFrameGraph())
	if err != nil {
		return err
	}
	if err := framegraph.Validate(fg, uint32(vk.ShaderStageVertexBit), uint32(vk.ShaderStageFragmentBit)); err != nil {
		return err
	}
	appState.graph = fg
	appState.config = cc

	vc := appState.renderer.Context()

	caches, err := rcache.New(vc.Device.LogicalDevice, vc.Allocator, cfg.CacheDir)
	if err != nil {
		return err
	}
	appState.caches = caches

	frameCount := uint32(len(vc.Swapchain.Views))
	shared := pass.SharedImageViews{}

	runtimes := make([]*pass.Runtime, 0, len(fg.Passes))
	for _, p := range fg.Passes {
		rp, err := pass.BuildRenderPass(vc.Device.LogicalDevice, vc.Allocator, p)
		if err != nil {
			return err
		}

		frames := make([]pass.FrameResources, frameCount)
		for fi := uint32(0); fi < frameCount; fi++ {
			extent := vk.Extent2D{Width: vc.FramebufferWidth, Height: vc.FramebufferHeight}
			fr, err := pass.BuildFrameResources(vc.Device.LogicalDevice, vc.Allocator, p, rp, int(fi), extent, vc.Swapchain.Views[fi], shared)
			if err != nil {
				return err
			}
			frames[fi] = fr
		}

		subpasses := make([]*subpass.Runtime, 0, len(p.Subpasses))
		for _, sp := range p.Subpasses {
			in, err := appState.GameInstance.FnBuildSubpassInput(p, sp, frameCount, vc.Device.LogicalDevice, vc.Allocator, caches, cfg.CacheDir, vc)
			if err != nil {
				return err
			}
			built, err := subpass.Build(in)
			if err != nil {
				return err
			}
			subpasses = append(subpasses, built)
		}

		clearValues := make([]vk.ClearValue, len(p.Attachments))
		for i, att := range p.Attachments {
			if att.Format == uint32(pass.FormatDepthStencil) {
				clearValues[i].SetDepthStencil(1.0, 0)
			} else {
				clearValues[i].SetColor([]float32{0.0, 0.0, 0.0, 1.0})
			}
		}

		runtimes = append(runtimes, &pass.Runtime{
			Descriptor: p,
			RenderPass: rp,
			Frames:     frames,
			Subpasses:  subpasses,
			RenderArea: vk.Rect2D{Extent: vk.Extent2D{Width: vc.FramebufferWidth, Height: vc.FramebufferHeight}},
			ClearValues: clearValues,
		})
	}
	appState.passes = runtimes

	// The teacher's device model has no dedicated compute queue; compute
	// passes submit on the same graphics queue.
	executor := frame.NewExecutor(
		vc.Device.LogicalDevice, vc.Allocator,
		vc.Device.GraphicsQueue, vc.Device.GraphicsQueue,
		int(frameCount), runtime.NumCPU(), nil, cc.SceneVisible)
	executor.Passes = runtimes
	if err := executor.Init(vc.Device.GraphicsQueueIndex, vc.Device.GraphicsQueueIndex); err != nil {
		return err
	}
	appState.executor = executor

	return nil
}

func ApplicationRun() error {
	appState.Clock.Start()
	appState.Clock.Update()

	appState.LastTime = appState.Clock.Elapsed()

	for appState.IsRunning {
		if appState.PlatformState.ShouldClose() {
			appState.IsRunning = false
			break
		}

		appState.PlatformState.PumpMessages()

		if appState.IsSuspended {
			continue
		}

		appState.Clock.Update()
		currentTime := appState.Clock.Elapsed()
		deltaTime := currentTime - appState.LastTime

		if err := appState.GameInstance.FnUpdate(deltaTime); err != nil {
			core.LogFatal("Game update failed, shutting down.")
			break
		}
		if err := appState.GameInstance.FnRender(deltaTime); err != nil {
			core.LogFatal("Game render failed, shutting down.")
			break
		}

		vc := appState.renderer.Context()

		acquire := func(imageAcquired vk.Semaphore) (uint32, error) {
			if appState.renderer.SwapchainOutOfDate() {
				if !appState.renderer.RecreateSwapchain() {
					return 0, fmt.Errorf("swapchain recreation failed")
				}
			}
			idx, ok := vc.Swapchain.SwapchainAcquireNextImageIndex(vc, ^uint64(0), imageAcquired, vk.NullFence)
			if !ok {
				return 0, fmt.Errorf("failed to acquire swapchain image")
			}
			return idx, nil
		}
		present := func(imageIndex uint32, wait vk.Semaphore) error {
			vc.Swapchain.SwapchainPresent(vc, vc.Device.GraphicsQueue, vc.Device.PresentQueue, wait, imageIndex)
			return nil
		}

		if err := appState.executor.RunFrame(acquire, present); err != nil {
			core.LogError("frame execution failed: %s", err)
		}

		appState.LastTime = currentTime
	}

	return nil
}

// ApplicationGetFramebufferSize returns the width and height (in this order)
// of the application Framebuffer
func ApplicationGetFramebufferSize() (uint32, uint32) {
	if appState == nil || appState.PlatformState == nil {
		return 0, 0
	}
	return appState.PlatformState.FramebufferSize()
}

func applicationOnEvent(code core.SystemEventCode, sender interface{}, listener_inst interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		{
			core.LogInfo("EVENT_CODE_APPLICATION_QUIT recieved, shutting down.\n")
			appState.IsRunning = false
			return true
		}
	}
	return false
}

func applicationOnKey(code core.SystemEventCode, sender interface{}, listener_inst interface{}, context core.EventContext) bool {
	if code == core.EVENT_CODE_KEY_PRESSED {
		key_code := context.Data.U16[0]
		if key_code == uint16(core.KEY_ESCAPE) {
			// NOTE: Technically firing an event to itself, but there may be other listeners.
			data := core.EventContext{}
			core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, 0, data)
			// Block anything else from processing this.
			return true
		} else if key_code == uint16(core.KEY_A) {
			// Example on checking for a key
			core.LogDebug("Explicit - A key pressed!")
		} else {
			core.LogDebug("'%c' key pressed in window.", key_code)
		}
	} else if code == core.EVENT_CODE_KEY_RELEASED {
		key_code := context.Data.U16[0]
		if key_code == uint16(core.KEY_B) {
			// Example on checking for a key
			core.LogDebug("Explicit - B key released!")
		} else {
			core.LogDebug("'%c' key released in window.", key_code)
		}
	}
	return false
}

func applicationOnResized(code core.SystemEventCode, sender interface{}, listener_inst interface{}, context core.EventContext) bool {
	if code == core.EVENT_CODE_RESIZED {
		width := context.Data.U16[0]
		height := context.Data.U16[1]

		// Check if different. If so, trigger a resize event.
		if width != uint16(appState.Width) || height != uint16(appState.Height) {
			appState.Width = uint32(width)
			appState.Height = uint32(height)

			core.LogDebug("Window resize: %d, %d", width, height)

			// Handle minimization
			if width == 0 || height == 0 {
				core.LogInfo("Window minimized, suspending application.")
				appState.IsSuspended = true
				return true
			} else {
				if appState.IsSuspended {
					core.LogInfo("Window restored, resuming application.")
					appState.IsSuspended = false
				}
				appState.GameInstance.FnOnResize(uint32(width), uint32(height))
				appState.renderer.Resized(width, height)
			}
		}
	}
	// Event purposely not handled to allow other listeners to get this.
	return false
}
