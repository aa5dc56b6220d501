// Package frame implements the Frame Graph Executor (C6): the per-frame
// acquire/record/submit/present loop plus swapchain resize (§4.6).
package frame

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/core"
	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/lockpool"
	"github.com/kaelforge/kaelforge/engine/renderer/pass"
	"github.com/kaelforge/kaelforge/engine/renderer/recorder"
	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
)

// SecondaryRecordingThreshold is the draw-element count above which a
// subpass switches from inline to secondary-command-buffer recording
// (§4.6's "more than 10 draw elements" rule).
const SecondaryRecordingThreshold = 10

// Slot is one in-flight frame's synchronization and command-buffer state
// (§4.6's "Per-frame state").
type Slot struct {
	Timeline         vk.Semaphore
	ExpectedValue    uint64
	ImageAcquired    vk.Semaphore
	RenderFinished   vk.Semaphore
	PrimaryGraphics  []vk.CommandBuffer
	PrimaryCompute   []vk.CommandBuffer
	PrimaryPool      vk.CommandPool
	ComputePool      vk.CommandPool
	SecondaryPools   [][]vk.CommandPool   // [thread][frame-local pool]
	SecondaryBuffers [][]vk.CommandBuffer // [thread][frame-local buffer]
}

// Executor drives the frame loop over a sequence of built passes.
type Executor struct {
	Device        vk.Device
	Allocator     *vk.AllocationCallbacks
	GraphicsQueue vk.Queue
	ComputeQueue  vk.Queue
	Slots         []Slot
	Passes        []*pass.Runtime
	ThreadCount   int
	absoluteFrame uint64
	locks         *lockpool.Pool
	onUIRender    func(vk.CommandBuffer)
	// SceneVisible gates scene draw elements on config.show_scenes (§4.7
	// step 2, §7). nil means nothing is ever skipped.
	SceneVisible func(sceneIndex int) bool
}

// NewExecutor constructs an Executor with F slots (F = swapchain image
// count) and a worker pool sized threadCount. sceneVisible is threaded
// through to every recorded draw element to gate scene visibility; it may
// be nil.
func NewExecutor(device vk.Device, allocator *vk.AllocationCallbacks, graphicsQueue, computeQueue vk.Queue, frameCount, threadCount int, onUIRender func(vk.CommandBuffer), sceneVisible func(sceneIndex int) bool) *Executor {
	if threadCount < 1 {
		threadCount = 1
	}
	return &Executor{
		Device:        device,
		Allocator:     allocator,
		GraphicsQueue: graphicsQueue,
		ComputeQueue:  computeQueue,
		Slots:         make([]Slot, frameCount),
		ThreadCount:   threadCount,
		locks:         lockpool.New(),
		onUIRender:    onUIRender,
		SceneVisible:  sceneVisible,
	}
}

// FrameIndex returns the current frame's slot index (absoluteFrame % F).
func (e *Executor) FrameIndex() int {
	if len(e.Slots) == 0 {
		return 0
	}
	return int(e.absoluteFrame % uint64(len(e.Slots)))
}

// Init creates the per-slot timeline/binary semaphores and primary command
// pools BeginFrame/RunFrame depend on. Must be called once after
// NewExecutor, before the first RunFrame.
func (e *Executor) Init(graphicsQueueFamily, computeQueueFamily uint32) error {
	for i := range e.Slots {
		slot := &e.Slots[i]

		timelineType := vk.SemaphoreTypeCreateInfo{
			SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
			SemaphoreType: vk.SemaphoreTypeTimeline,
		}
		timelineType.Deref()
		timelineCreateInfo := vk.SemaphoreCreateInfo{
			SType: vk.StructureTypeSemaphoreCreateInfo,
			PNext: unsafe.Pointer(&timelineType),
		}
		if res := vk.CreateSemaphore(e.Device, &timelineCreateInfo, e.Allocator, &slot.Timeline); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.Init", fmt.Errorf("vkCreateSemaphore (timeline): %d", res))
		}

		binaryCreateInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
		if res := vk.CreateSemaphore(e.Device, &binaryCreateInfo, e.Allocator, &slot.ImageAcquired); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.Init", fmt.Errorf("vkCreateSemaphore (image acquired): %d", res))
		}
		if res := vk.CreateSemaphore(e.Device, &binaryCreateInfo, e.Allocator, &slot.RenderFinished); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.Init", fmt.Errorf("vkCreateSemaphore (render finished): %d", res))
		}

		graphicsPoolInfo := vk.CommandPoolCreateInfo{
			SType:            vk.StructureTypeCommandPoolCreateInfo,
			Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
			QueueFamilyIndex: graphicsQueueFamily,
		}
		if res := vk.CreateCommandPool(e.Device, &graphicsPoolInfo, e.Allocator, &slot.PrimaryPool); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.Init", fmt.Errorf("vkCreateCommandPool (primary): %d", res))
		}

		computePoolInfo := graphicsPoolInfo
		computePoolInfo.QueueFamilyIndex = computeQueueFamily
		if res := vk.CreateCommandPool(e.Device, &computePoolInfo, e.Allocator, &slot.ComputePool); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.Init", fmt.Errorf("vkCreateCommandPool (compute): %d", res))
		}
	}
	return nil
}

// BeginFrame implements §4.6's begin_frame: wait the slot's timeline to
// its previous expected value, then reset its command pools.
func (e *Executor) BeginFrame() error {
	idx := e.FrameIndex()
	slot := &e.Slots[idx]

	if slot.ExpectedValue > 0 {
		waitInfo := vk.SemaphoreWaitInfo{
			SType:          vk.StructureTypeSemaphoreWaitInfo,
			SemaphoreCount: 1,
			PSemaphores:    []vk.Semaphore{slot.Timeline},
			PValues:        []uint64{slot.ExpectedValue - 1},
		}
		waitInfo.Deref()
		if res := vk.WaitSemaphores(e.Device, &waitInfo, vk.MaxUint64); res != vk.Success {
			return core.NewError(core.KindDeviceInitError, "Executor.BeginFrame", fmt.Errorf("vkWaitSemaphores: %d", res))
		}
	}

	if slot.PrimaryPool != nil {
		_ = e.locks.SafeCall(lockpool.CommandPool, func() error { return resetCommandPool(e.Device, slot.PrimaryPool) })
	}
	if slot.ComputePool != nil {
		_ = e.locks.SafeCall(lockpool.CommandPool, func() error { return resetCommandPool(e.Device, slot.ComputePool) })
	}
	for _, pools := range slot.SecondaryPools {
		for _, p := range pools {
			_ = e.locks.SafeCall(lockpool.CommandPool, func() error {
				return resetCommandPool(e.Device, p)
			})
		}
	}
	return nil
}

func resetCommandPool(device vk.Device, pool vk.CommandPool) error {
	if res := vk.ResetCommandPool(device, pool, 0); res != vk.Success {
		return fmt.Errorf("vkResetCommandPool: %d", res)
	}
	return nil
}

// passTypeOf maps a framegraph pass's declared type to its executor queue
// class (graphics vs compute), matching the pass-walk rule in §4.6.
func passTypeOf(p *pass.Runtime) vk.QueueFlagBits {
	if p.Descriptor.Type == framegraph.PassCompute {
		return vk.QueueComputeBit
	}
	return vk.QueueGraphicsBit
}

// RunFrame implements the §4.6 pass walk: one primary command buffer and
// submission per pass, acquiring the swapchain image (into the frame's
// image_acquired semaphore) on the last pass and presenting at the end.
func (e *Executor) RunFrame(acquireNextImage func(imageAcquired vk.Semaphore) (uint32, error), present func(imageIndex uint32, wait vk.Semaphore) error) error {
	if err := e.BeginFrame(); err != nil {
		return err
	}
	idx := e.FrameIndex()
	slot := &e.Slots[idx]

	var imageIndex uint32
	for i, p := range e.Passes {
		isLast := i == len(e.Passes)-1
		if isLast {
			var err error
			imageIndex, err = acquireNextImage(slot.ImageAcquired)
			if err != nil {
				return err
			}
		}

		cb, err := e.recordPass(p, idx, int(imageIndex))
		if err != nil {
			return err
		}

		queueType := passTypeOf(p)
		stage := vk.PipelineStageColorAttachmentOutputBit
		if queueType == vk.QueueComputeBit {
			stage = vk.PipelineStageComputeShaderBit
		}

		slot.ExpectedValue++
		if err := e.submit(cb, queueType, slot, isLast, stage); err != nil {
			return err
		}
	}

	if err := present(imageIndex, slot.RenderFinished); err != nil {
		return err
	}

	e.absoluteFrame++
	return nil
}

// recordPass records one pass's subpasses into a single primary command
// buffer: begins the render pass, records each subpass inline or (above
// SecondaryRecordingThreshold draw elements) via parallel-recorded
// secondary command buffers executed with vkCmdExecuteCommands, then ends
// the render pass. Compute passes have no render pass to begin and are
// left for a dedicated dispatch-recording path (§3 does not define one for
// the draw-element model the Subpass Builder emits).
func (e *Executor) recordPass(p *pass.Runtime, frameIndex, frameResourceIndex int) (vk.CommandBuffer, error) {
	slot := &e.Slots[frameIndex]
	pool := slot.PrimaryPool
	if passTypeOf(p) == vk.QueueComputeBit {
		pool = slot.ComputePool
	}

	isCompute := passTypeOf(p) == vk.QueueComputeBit
	cb, err := e.primaryCommandBuffer(slot, pool, isCompute)
	if err != nil {
		return nil, err
	}

	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		return nil, fmt.Errorf("recordPass: vkBeginCommandBuffer: %d", res)
	}

	if isCompute {
		if res := vk.EndCommandBuffer(cb); res != vk.Success {
			return nil, fmt.Errorf("recordPass: vkEndCommandBuffer: %d", res)
		}
		return cb, nil
	}

	if frameResourceIndex >= len(p.Frames) {
		frameResourceIndex = 0
	}
	framebuffer := vk.Framebuffer(nil)
	if len(p.Frames) > 0 {
		framebuffer = p.Frames[frameResourceIndex].Framebuffer
	}

	renderPassBegin := vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      p.RenderPass,
		Framebuffer:     framebuffer,
		RenderArea:      p.RenderArea,
		ClearValueCount: uint32(len(p.ClearValues)),
		PClearValues:    p.ClearValues,
	}

	for spIndex, sp := range p.Subpasses {
		contents := vk.SubpassContentsInline
		if len(sp.DrawElements) > SecondaryRecordingThreshold {
			contents = vk.SubpassContentsSecondaryCommandBuffers
		}

		if spIndex == 0 {
			vk.CmdBeginRenderPass(cb, &renderPassBegin, contents)
		} else {
			vk.CmdNextSubpass(cb, contents)
		}

		if contents == vk.SubpassContentsSecondaryCommandBuffers {
			renderPass := p.RenderPass
			record := func(threadIndex, firstIndex int, elements []subpass.DrawElement) (vk.CommandBuffer, error) {
				scb, err := e.secondaryCommandBuffer(frameIndex, threadIndex)
				if err != nil {
					return nil, err
				}
				if err := beginSecondary(scb, renderPass, uint32(spIndex), framebuffer); err != nil {
					return nil, err
				}
				bind := recorder.NewBindState()
				for _, el := range elements {
					bind.RecordDrawElement(scb, frameIndex, sp, e.SceneVisible, el)
				}
				if res := vk.EndCommandBuffer(scb); res != vk.Success {
					return nil, fmt.Errorf("recordPass: vkEndCommandBuffer (secondary): %d", res)
				}
				return scb, nil
			}
			recs, err := recorder.RecordParallel(sp, e.ThreadCount, record)
			if err != nil {
				return nil, err
			}
			if len(recs) > 0 {
				buffers := make([]vk.CommandBuffer, len(recs))
				for i, r := range recs {
					buffers[i] = r.CommandBuffer
				}
				vk.CmdExecuteCommands(cb, uint32(len(buffers)), buffers)
			}
		} else {
			bind := recorder.NewBindState()
			for _, el := range sp.DrawElements {
				bind.RecordDrawElement(cb, frameIndex, sp, e.SceneVisible, el)
			}
		}

		if sp.Name == "ui" && e.onUIRender != nil {
			e.onUIRender(cb)
		}
	}

	vk.CmdEndRenderPass(cb)

	if res := vk.EndCommandBuffer(cb); res != vk.Success {
		return nil, fmt.Errorf("recordPass: vkEndCommandBuffer: %d", res)
	}
	return cb, nil
}

// primaryCommandBuffer allocates (once per slot) or reuses the slot's sole
// graphics or compute primary command buffer. The owning pool is reset
// every BeginFrame, so the buffer is implicitly available for
// re-recording each frame without a fresh allocation.
func (e *Executor) primaryCommandBuffer(slot *Slot, pool vk.CommandPool, isCompute bool) (vk.CommandBuffer, error) {
	existing := slot.PrimaryGraphics
	if isCompute {
		existing = slot.PrimaryCompute
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	var allocErr error
	lockErr := e.locks.SafeCall(lockpool.CommandPool, func() error {
		if res := vk.AllocateCommandBuffers(e.Device, &allocInfo, buffers); res != vk.Success {
			allocErr = fmt.Errorf("primaryCommandBuffer: vkAllocateCommandBuffers: %d", res)
		}
		return allocErr
	})
	if lockErr != nil {
		return nil, lockErr
	}

	if isCompute {
		slot.PrimaryCompute = buffers
	} else {
		slot.PrimaryGraphics = buffers
	}
	return buffers[0], nil
}

// secondaryCommandBuffer returns this frame+thread's secondary command
// buffer, lazily allocating its pool and buffer on first use.
func (e *Executor) secondaryCommandBuffer(frameIndex, threadIndex int) (vk.CommandBuffer, error) {
	slot := &e.Slots[frameIndex]
	for len(slot.SecondaryPools) <= threadIndex {
		slot.SecondaryPools = append(slot.SecondaryPools, nil)
		slot.SecondaryBuffers = append(slot.SecondaryBuffers, nil)
	}
	if len(slot.SecondaryPools[threadIndex]) > 0 && len(slot.SecondaryBuffers[threadIndex]) > 0 {
		return slot.SecondaryBuffers[threadIndex][0], nil
	}

	var pool vk.CommandPool
	err := e.locks.SafeCall(lockpool.CommandPool, func() error {
		createInfo := vk.CommandPoolCreateInfo{
			SType: vk.StructureTypeCommandPoolCreateInfo,
			Flags: vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		}
		createInfo.Deref()
		if res := vk.CreateCommandPool(e.Device, &createInfo, e.Allocator, &pool); res != vk.Success {
			return fmt.Errorf("secondaryCommandBuffer: vkCreateCommandPool: %d", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelSecondary,
		CommandBufferCount: 1,
	}
	allocInfo.Deref()
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(e.Device, &allocInfo, buffers); res != vk.Success {
		return nil, fmt.Errorf("secondaryCommandBuffer: vkAllocateCommandBuffers: %d", res)
	}

	slot.SecondaryPools[threadIndex] = []vk.CommandPool{pool}
	slot.SecondaryBuffers[threadIndex] = buffers
	return buffers[0], nil
}

// beginSecondary begins a secondary command buffer inheriting the given
// render pass/subpass/framebuffer, per §4.7's inheritance-info requirement
// for buffers executed inside an active render pass instance.
func beginSecondary(cb vk.CommandBuffer, renderPass vk.RenderPass, subpassIndex uint32, framebuffer vk.Framebuffer) error {
	inheritance := vk.CommandBufferInheritanceInfo{
		SType:       vk.StructureTypeCommandBufferInheritanceInfo,
		RenderPass:  renderPass,
		Subpass:     subpassIndex,
		Framebuffer: framebuffer,
	}
	inheritance.Deref()

	beginInfo := vk.CommandBufferBeginInfo{
		SType:            vk.StructureTypeCommandBufferBeginInfo,
		Flags:            vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit),
		PInheritanceInfo: &inheritance,
	}
	beginInfo.Deref()

	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		return fmt.Errorf("beginSecondary: vkBeginCommandBuffer: %d", res)
	}
	return nil
}

// submit implements §4.6's graphics/compute submission pattern: only the
// last submission of the frame waits on image_acquired and signals
// render_finished; every submission signals the frame's timeline.
func (e *Executor) submit(cb vk.CommandBuffer, queueType vk.QueueFlagBits, slot *Slot, isLast bool, stage vk.PipelineStageFlagBits) error {
	queue := e.GraphicsQueue
	if queueType == vk.QueueComputeBit {
		queue = e.ComputeQueue
	}

	timelineInfo := vk.TimelineSemaphoreSubmitInfo{
		SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
		SignalSemaphoreValueCount: 1,
		PSignalSemaphoreValues:    []uint64{slot.ExpectedValue},
	}
	timelineInfo.Deref()

	signalSemaphores := []vk.Semaphore{slot.Timeline}
	if isLast {
		signalSemaphores = append(signalSemaphores, slot.RenderFinished)
	}

	var waitSemaphores []vk.Semaphore
	var waitStages []vk.PipelineStageFlags
	if isLast {
		waitSemaphores = []vk.Semaphore{slot.ImageAcquired}
		waitStages = []vk.PipelineStageFlags{vk.PipelineStageFlags(stage)}
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		PNext:                unsafe.Pointer(&timelineInfo),
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cb},
		WaitSemaphoreCount:   uint32(len(waitSemaphores)),
		PWaitSemaphores:      waitSemaphores,
		PWaitDstStageMask:    waitStages,
		SignalSemaphoreCount: uint32(len(signalSemaphores)),
		PSignalSemaphores:    signalSemaphores,
	}

	group := lockpool.Queue
	return e.locks.SafeCall(group, func() error {
		if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, nil); res != vk.Success {
			return core.NewError(core.KindPresentOther, "Executor.submit", fmt.Errorf("vkQueueSubmit: %d", res))
		}
		return nil
	})
}

// Resize waits the device idle and recreates every pass's framebuffers
// and attachment images for the new extent (§4.6's Resize operation).
func (e *Executor) Resize(extent vk.Extent2D, swapchainImageViews []vk.ImageView, rebuild func(p *pass.Runtime, extent vk.Extent2D, swapchainImageViews []vk.ImageView) error) error {
	if res := vk.DeviceWaitIdle(e.Device); res != vk.Success {
		return fmt.Errorf("frame.Resize: vkDeviceWaitIdle: %d", res)
	}
	for _, p := range e.Passes {
		if err := rebuild(p, extent, swapchainImageViews); err != nil {
			return err
		}
	}
	return nil
}
