package frame

import (
	"testing"

	"github.com/kaelforge/kaelforge/engine/framegraph"
	"github.com/kaelforge/kaelforge/engine/renderer/pass"
)

func TestFrameIndexWrapsModuloSlotCount(t *testing.T) {
	e := &Executor{Slots: make([]Slot, 3)}
	e.absoluteFrame = 7
	if got := e.FrameIndex(); got != 1 {
		t.Fatalf("FrameIndex() = %d, want 1", got)
	}
}

func TestFrameIndexEmptySlotsIsZero(t *testing.T) {
	e := &Executor{}
	if got := e.FrameIndex(); got != 0 {
		t.Fatalf("FrameIndex() = %d, want 0", got)
	}
}

func TestPassTypeOfCompute(t *testing.T) {
	graphics := passTypeOf(&pass.Runtime{Descriptor: framegraph.Pass{Type: framegraph.PassGraphics}})
	compute := passTypeOf(&pass.Runtime{Descriptor: framegraph.Pass{Type: framegraph.PassCompute}})
	if graphics == compute {
		t.Fatalf("expected distinct queue flags for graphics vs compute passes")
	}
}
