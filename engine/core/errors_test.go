package core

import (
	"errors"
	"testing"
)

func TestEngineErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindSpirvCompileError, "compile vertex shader", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected Is(err, cause) to hold")
	}
	if !IsKind(err, KindSpirvCompileError) {
		t.Fatalf("expected IsKind to match KindSpirvCompileError")
	}
	if IsKind(err, KindCacheCorruptError) {
		t.Fatalf("expected IsKind to reject a different kind")
	}
}

func TestErrorKindFatal(t *testing.T) {
	cases := []struct {
		kind  ErrorKind
		fatal bool
	}{
		{KindDeviceInitError, true},
		{KindCacheCorruptError, false},
		{KindSwapchainOutOfDate, false},
		{KindSwapchainSuboptimal, false},
		{KindPresentOther, true},
		{KindShaderResourceSetGap, true},
		{KindMissingRequiredVertexAttribute, true},
		{KindBindlessIndexOverflow, true},
		{KindDescriptorAllocationError, true},
	}
	for _, c := range cases {
		if got := c.kind.Fatal(); got != c.fatal {
			t.Errorf("%s.Fatal() = %v, want %v", c.kind, got, c.fatal)
		}
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := NewError(KindBindlessIndexOverflow, "subpass \"opaque\"", nil)
	want := "BindlessIndexOverflow: subpass \"opaque\""
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
