// Package recorder implements the Command Recorder (C7): parallel
// secondary-command-buffer recording of a subpass's draw elements across a
// bounded worker pool, with per-thread pipeline/layout memoization to skip
// redundant vkCmdBindPipeline/vkCmdBindDescriptorSets calls (§4.7).
package recorder

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/kaelforge/kaelforge/engine/renderer/subpass"
)

// threadState is the per-worker memoization the draw loop consults before
// emitting a bind command, so a worker recording many draw elements that
// share a pipeline or layout only binds it once.
type threadState struct {
	boundPipeline       vk.Pipeline
	boundPipelineLayout vk.PipelineLayout
	boundDescriptorSets map[uint32]vk.DescriptorSet
}

func newThreadState() *threadState {
	return &threadState{boundDescriptorSets: make(map[uint32]vk.DescriptorSet)}
}

// Recording is one secondary command buffer produced by a worker, holding
// the draw-element range it covers so callers can order vkCmdExecuteCommands
// calls deterministically.
type Recording struct {
	CommandBuffer vk.CommandBuffer
	FirstIndex    int
	Count         int
}

// workItem is one contiguous slice of a subpass's draw elements assigned to
// a single worker.
type workItem struct {
	firstIndex int
	elements   []subpass.DrawElement
}

// RecordFunc records a secondary command buffer for the given contiguous
// slice of draw elements, returning the buffer it recorded into. Callers
// supply this so the recorder package stays free of command-pool/buffer
// allocation concerns, which belong to the frame package's per-slot state.
type RecordFunc func(threadIndex int, firstIndex int, elements []subpass.DrawElement) (vk.CommandBuffer, error)

// RecordParallel partitions sp.DrawElements into threadCount contiguous
// chunks and records each on its own worker, returning the resulting
// secondary command buffers ordered by FirstIndex. Per §4.7, chunking is
// contiguous rather than round-robin so that within a chunk the draw
// elements that already share sort-adjacency (pipeline, then material) are
// recorded back-to-back, maximizing the thread-local bind memoization hit
// rate.
func RecordParallel(sp *subpass.Runtime, threadCount int, record RecordFunc) ([]Recording, error) {
	n := len(sp.DrawElements)
	if n == 0 {
		return nil, nil
	}
	if threadCount < 1 {
		threadCount = 1
	}
	if threadCount > n {
		threadCount = n
	}

	chunkSize := (n + threadCount - 1) / threadCount
	var items []workItem
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		items = append(items, workItem{firstIndex: start, elements: sp.DrawElements[start:end]})
	}

	results := make([]Recording, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, threadCount)
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item workItem) {
			defer wg.Done()
			defer func() { <-sem }()
			cb, err := record(i, item.firstIndex, item.elements)
			if err != nil {
				errs[i] = fmt.Errorf("recorder: worker %d: %w", i, err)
				return
			}
			results[i] = Recording{CommandBuffer: cb, FirstIndex: item.firstIndex, Count: len(item.elements)}
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// BindState tracks the previous draw element's pipeline/layout/descriptor
// sets for one worker so RecordDrawElement can skip redundant binds.
type BindState struct {
	state *threadState
}

// NewBindState returns a fresh per-worker bind-memoization state.
func NewBindState() *BindState {
	return &BindState{state: newThreadState()}
}

// FullScreenTriangleVertexCount is the vertex count recorded for a
// no-scene draw element (§4.7's "otherwise draw(3, 1, 0, 0)" full-screen
// triangle case).
const FullScreenTriangleVertexCount = 3

// skipDrawElement reports whether el should be skipped entirely: a scene
// draw element whose scene has been toggled invisible (§4.7 step 2, §7's
// show_scenes[scene_index] gate). sceneVisible may be nil, in which case
// nothing is ever skipped.
func skipDrawElement(el subpass.DrawElement, sceneVisible func(sceneIndex int) bool) bool {
	return el.HasScene && sceneVisible != nil && !sceneVisible(el.SceneVisibility)
}

// RecordDrawElement emits the minimal set of bind + draw commands for one
// draw element into cb, skipping any bind whose target already matches this
// worker's last-bound state (§4.7's "skip rebinding a pipeline/layout
// already bound by this thread" rule). sp supplies the owning subpass's
// shared descriptor sets (subpass UBO, bindless) and their bind indices;
// sceneVisible gates scene draw elements on config.show_scenes. Either may
// be nil (sp for a subpass built with no shared sets, sceneVisible to never
// skip), matching tests that exercise bind-state bookkeeping in isolation.
func (b *BindState) RecordDrawElement(cb vk.CommandBuffer, frameIndex int, sp *subpass.Runtime, sceneVisible func(sceneIndex int) bool, el subpass.DrawElement) {
	if skipDrawElement(el, sceneVisible) {
		return
	}

	s := b.state

	if s.boundPipeline != el.Pipeline {
		vk.CmdBindPipeline(cb, vk.PipelineBindPointGraphics, el.Pipeline)
		s.boundPipeline = el.Pipeline
		s.boundPipelineLayout = 0
		s.boundDescriptorSets = make(map[uint32]vk.DescriptorSet)
	}

	if el.PipelineLayout != s.boundPipelineLayout {
		if sp != nil && len(sp.SubpassDescriptorSets) > 0 {
			set := frameDescriptorSet(sp.SubpassDescriptorSets, frameIndex)
			if s.boundDescriptorSets[sp.SubpassDescriptorSetIndex] != set {
				vk.CmdBindDescriptorSets(cb, vk.PipelineBindPointGraphics, el.PipelineLayout, sp.SubpassDescriptorSetIndex, 1, []vk.DescriptorSet{set}, 0, nil)
				s.boundDescriptorSets[sp.SubpassDescriptorSetIndex] = set
			}
		}
		if sp != nil && sp.BindlessDescriptorSet != nil {
			if s.boundDescriptorSets[sp.BindlessDescriptorSetIndex] != sp.BindlessDescriptorSet {
				vk.CmdBindDescriptorSets(cb, vk.PipelineBindPointGraphics, el.PipelineLayout, sp.BindlessDescriptorSetIndex, 1, []vk.DescriptorSet{sp.BindlessDescriptorSet}, 0, nil)
				s.boundDescriptorSets[sp.BindlessDescriptorSetIndex] = sp.BindlessDescriptorSet
			}
		}
		s.boundPipelineLayout = el.PipelineLayout
	}

	if len(el.DescriptorSets) > 0 {
		set := frameDescriptorSet(el.DescriptorSets, frameIndex)
		index := uint32(0)
		if sp != nil {
			index = sp.DrawElementDescriptorSetIndex
		}
		if s.boundDescriptorSets[index] != set {
			vk.CmdBindDescriptorSets(cb, vk.PipelineBindPointGraphics, el.PipelineLayout, index, 1, []vk.DescriptorSet{set}, 0, nil)
			s.boundDescriptorSets[index] = set
		}
	}

	if !el.HasScene {
		vk.CmdDraw(cb, FullScreenTriangleVertexCount, 1, 0, 0)
		return
	}

	for _, vb := range el.VertexBindings {
		vk.CmdBindVertexBuffers(cb, vb.FirstLocation, uint32(len(vb.Buffers)), vb.Buffers, vb.Offsets)
	}

	if el.IndexBuffer != nil {
		vk.CmdBindIndexBuffer(cb, vk.Buffer(el.IndexBuffer.Buffer), vk.DeviceSize(el.IndexBuffer.Offset), vk.IndexTypeUint32)
		vk.CmdDrawIndexed(cb, el.VertexCount, 1, 0, 0, 0)
		return
	}
	vk.CmdDraw(cb, el.VertexCount, 1, 0, 0)
}

// frameDescriptorSet indexes into a per-frame descriptor set slice,
// falling back to slot 0 if frameIndex is out of range.
func frameDescriptorSet(sets []vk.DescriptorSet, frameIndex int) vk.DescriptorSet {
	if frameIndex >= 0 && frameIndex < len(sets) {
		return sets[frameIndex]
	}
	return sets[0]
}
