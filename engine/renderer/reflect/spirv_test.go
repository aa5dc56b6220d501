package reflect

import (
	"testing"

	vk "github.com/goki/vulkan"
)

// word packs a SPIR-V instruction header (word count, opcode).
func word(wordCount, opcode uint32) uint32 {
	return wordCount<<16 | opcode
}

// packString encodes s as SPIR-V literal words (4 bytes per word, NUL
// padded to a word boundary).
func packString(s string) []uint32 {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return out
}

// buildModule assembles a minimal SPIR-V binary header plus the given
// instructions (each already including its own header word).
func buildModule(instructions ...[]uint32) []uint32 {
	out := []uint32{spirvMagic, 0x00010300, 0, 100, 0}
	for _, inst := range instructions {
		out = append(out, inst...)
	}
	return out
}

func inst(opcode uint32, operands ...uint32) []uint32 {
	out := make([]uint32, 0, len(operands)+1)
	out = append(out, word(uint32(len(operands)+1), opcode))
	out = append(out, operands...)
	return out
}

func instWithString(opcode uint32, leading []uint32, s string) []uint32 {
	strWords := packString(s)
	out := make([]uint32, 0, len(leading)+len(strWords)+1)
	out = append(out, word(uint32(len(leading)+len(strWords)+1), opcode))
	out = append(out, leading...)
	out = append(out, strWords...)
	return out
}

// TestReflectCombinedImageSampler builds a module declaring one
// combined-image-sampler variable at set=0 binding=1 and checks it is
// reflected with the right kind, set, and binding.
func TestReflectCombinedImageSampler(t *testing.T) {
	const (
		idFloat   = 1
		idImage   = 2
		idSampled = 3
		idPtr     = 4
		idVar     = 5
	)
	mod := buildModule(
		instWithString(opName, []uint32{idVar}, "albedoTex"),
		inst(opDecorate, idVar, decorationDescriptorSet, 0),
		inst(opDecorate, idVar, decorationBinding, 1),
		inst(opTypeFloat, idFloat, 32),
		inst(opTypeImage, idImage, idFloat, 1 /*Dim2D*/, 0, 0, 0, 1 /*Sampled*/, 0),
		inst(opTypeSampledImage, idSampled, idImage),
		inst(opTypePointer, idPtr, storageClassUniformConstant, idSampled),
		inst(opVariable, idPtr, idVar, storageClassUniformConstant),
	)

	m, err := Reflect(mod, vk.ShaderStageFragmentBit)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(m.Resources) != 1 {
		t.Fatalf("len(Resources) = %d, want 1", len(m.Resources))
	}
	r := m.Resources[0]
	if r.Kind != KindCombinedImageSampler {
		t.Fatalf("Kind = %v, want CombinedImageSampler", r.Kind)
	}
	if r.Name != "albedoTex" || r.Set != 0 || r.Binding != 1 {
		t.Fatalf("got %+v", r)
	}
}

// TestReflectUniformBuffer checks a Block-decorated struct behind a Uniform
// storage-class pointer is reflected as a uniform buffer with an offset-
// derived size.
func TestReflectUniformBuffer(t *testing.T) {
	const (
		idStruct = 1
		idPtr    = 2
		idVar    = 3
	)
	mod := buildModule(
		instWithString(opName, []uint32{idVar}, "Camera"),
		inst(opDecorate, idStruct, decorationBlock, 0),
		inst(opMemberDecorate, idStruct, 0, decorationOffset, 0),
		inst(opMemberDecorate, idStruct, 1, decorationOffset, 64),
		inst(opDecorate, idVar, decorationDescriptorSet, 0),
		inst(opDecorate, idVar, decorationBinding, 0),
		inst(opTypeStruct, idStruct),
		inst(opTypePointer, idPtr, storageClassUniform, idStruct),
		inst(opVariable, idPtr, idVar, storageClassUniform),
	)

	m, err := Reflect(mod, vk.ShaderStageVertexBit)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(m.Resources) != 1 {
		t.Fatalf("len(Resources) = %d, want 1", len(m.Resources))
	}
	r := m.Resources[0]
	if r.Kind != KindUniformBuffer {
		t.Fatalf("Kind = %v, want UniformBuffer", r.Kind)
	}
	if r.Size != 80 {
		t.Fatalf("Size = %d, want 80 (64-0)+16", r.Size)
	}
}

// TestReflectStageInputLocation checks an Input-storage-class variable is
// reflected as a stage input carrying its decorated location.
func TestReflectStageInputLocation(t *testing.T) {
	const (
		idFloat = 1
		idVec3  = 2
		idPtr   = 3
		idVar   = 4
	)
	mod := buildModule(
		instWithString(opName, []uint32{idVar}, "inPosition"),
		inst(opDecorate, idVar, decorationLocation, 0),
		inst(opTypeFloat, idFloat, 32),
		inst(opTypeVector, idVec3, idFloat, 3),
		inst(opTypePointer, idPtr, storageClassInput, idVec3),
		inst(opVariable, idPtr, idVar, storageClassInput),
	)

	m, err := Reflect(mod, vk.ShaderStageVertexBit)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(m.Resources) != 1 || m.Resources[0].Kind != KindStageInput || m.Resources[0].Location != 0 {
		t.Fatalf("got %+v", m.Resources)
	}
}

// TestMergeByNameOrsStageMasks checks that the same resource declared in
// two stage modules merges into one entry with both stage bits set.
func TestMergeByNameOrsStageMasks(t *testing.T) {
	vs := &Module{Resources: []ShaderResource{{Name: "Camera", Kind: KindUniformBuffer, StageMask: vk.ShaderStageVertexBit}}}
	fs := &Module{Resources: []ShaderResource{{Name: "Camera", Kind: KindUniformBuffer, StageMask: vk.ShaderStageFragmentBit}}}

	merged := MergeByName(vs, fs)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	want := vk.ShaderStageFlagBits(vk.ShaderStageVertexBit) | vk.ShaderStageFragmentBit
	if merged[0].StageMask != want {
		t.Fatalf("StageMask = %v, want %v", merged[0].StageMask, want)
	}
}

// TestReflectSpecializationConstant checks an OpSpecConstant with a SpecId
// decoration is captured with its default literal value.
func TestReflectSpecializationConstant(t *testing.T) {
	const (
		idUint = 1
		idSpec = 2
	)
	mod := buildModule(
		instWithString(opName, []uint32{idSpec}, "MAX_LIGHTS"),
		inst(opDecorate, idSpec, decorationSpecId, 3),
		inst(opTypeInt, idUint, 32, 0),
		inst(opSpecConstant, idUint, idSpec, 16),
	)

	m, err := Reflect(mod, vk.ShaderStageFragmentBit)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(m.SpecializationConstants) != 1 {
		t.Fatalf("len(SpecializationConstants) = %d, want 1", len(m.SpecializationConstants))
	}
	sc := m.SpecializationConstants[0]
	if sc.ConstantID != 3 || sc.Name != "MAX_LIGHTS" || sc.DefaultValue != 16 {
		t.Fatalf("got %+v", sc)
	}
}
