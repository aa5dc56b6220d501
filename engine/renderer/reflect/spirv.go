// Package reflect implements SPIR-V reflection: walking a compiled SPIR-V
// module's binary instruction stream to recover the shader resources and
// specialization constants it declares (§4.3). No SPIR-V reflection
// library exists anywhere in the reference corpus this engine was built
// against, so this is a direct, from-scratch binary-format walk rather
// than a wrapper around one.
package reflect

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"
)

// ResourceKind classifies a reflected shader resource (§3's ShaderResource
// table).
type ResourceKind int

const (
	KindSampler ResourceKind = iota
	KindCombinedImageSampler
	KindSampledImage
	KindStorageImage
	KindUniformBuffer
	KindStorageBuffer
	KindInputAttachment
	KindPushConstantBuffer
	KindStageInput
)

// ShaderResource is one reflected binding, input, or push-constant range.
type ShaderResource struct {
	Name                 string
	Kind                 ResourceKind
	StageMask            vk.ShaderStageFlagBits
	InputAttachmentIndex uint32
	Set                  uint32
	Binding              uint32
	ArraySize            uint32
	Size                 uint32
	Offset               uint32
	Location             uint32
}

// SpecializationConstant is one reflected OpSpecConstant* declaration (§12).
type SpecializationConstant struct {
	ConstantID   uint32
	Name         string
	DefaultValue uint32
}

// Module is the result of reflecting one SPIR-V binary for one stage.
type Module struct {
	Stage                   vk.ShaderStageFlagBits
	Resources               []ShaderResource
	SpecializationConstants []SpecializationConstant
}

const (
	spirvMagic = 0x07230203

	opName                 = 5
	opMemberName           = 6
	opEntryPoint           = 15
	opTypeVoid             = 19
	opTypeBool             = 20
	opTypeInt              = 21
	opTypeFloat            = 22
	opTypeVector           = 23
	opTypeMatrix           = 24
	opTypeImage            = 25
	opTypeSampler          = 26
	opTypeSampledImage     = 27
	opTypeArray            = 28
	opTypeRuntimeArray     = 29
	opTypeStruct           = 30
	opTypePointer          = 32
	opConstant             = 43
	opSpecConstantTrue     = 48
	opSpecConstantFalse    = 49
	opSpecConstant         = 50
	opSpecConstantComposite = 51
	opVariable             = 59
	opDecorate             = 71
	opMemberDecorate       = 72

	decorationBlock               = 2
	decorationBufferBlock         = 3
	decorationArrayStride         = 6
	decorationBinding             = 33
	decorationDescriptorSet       = 34
	decorationLocation            = 30
	decorationOffset              = 35
	decorationSpecId              = 1
	decorationInputAttachmentIdx  = 43

	storageClassUniformConstant = 0
	storageClassInput           = 1
	storageClassUniform         = 2
	storageClassOutput          = 3
	storageClassStorageBuffer   = 12
	storageClassPushConstant    = 9

	dimSubpassData = 6
)

type typeInfo struct {
	opcode       uint32
	elementType  uint32 // pointee (for pointer), element (for array), or component (for vector/matrix)
	storageClass uint32
	length       uint32 // array length, when a literal constant (0 if unknown/runtime)
	dim          uint32
	sampled      uint32 // OpTypeImage "Sampled" operand
	width        uint32 // bit width for scalar types
	componentCount uint32
	isBlock      bool
}

// Reflect parses a SPIR-V module (a sequence of little-endian u32 words, as
// stored by the on-disk SPIR-V cache) and extracts its resources for the
// given shader stage.
func Reflect(words []uint32, stage vk.ShaderStageFlagBits) (*Module, error) {
	if len(words) < 5 {
		return nil, fmt.Errorf("reflect: module too short (%d words)", len(words))
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("reflect: bad magic 0x%08x", words[0])
	}

	names := map[uint32]string{}
	memberNames := map[uint32]map[uint32]string{}
	types := map[uint32]*typeInfo{}
	constants := map[uint32]uint32{}

	bindingOf := map[uint32]uint32{}
	setOf := map[uint32]uint32{}
	locationOf := map[uint32]uint32{}
	inputAttachmentOf := map[uint32]uint32{}
	specIDOf := map[uint32]uint32{}
	memberOffset := map[uint32]map[uint32]uint32{}
	memberIsBlock := map[uint32]bool{}
	bufferBlockOf := map[uint32]bool{}

	type variable struct {
		resultType uint32
		storage    uint32
	}
	variables := map[uint32]variable{}

	var specConstants []SpecializationConstant

	idx := 5
	for idx < len(words) {
		inst := words[idx]
		wordCount := inst >> 16
		opcode := inst & 0xffff
		if wordCount == 0 || idx+int(wordCount) > len(words) {
			break
		}
		ops := words[idx+1 : idx+int(wordCount)]

		switch opcode {
		case opName:
			if len(ops) >= 2 {
				names[ops[0]] = decodeString(ops[1:])
			}
		case opMemberName:
			if len(ops) >= 3 {
				if memberNames[ops[0]] == nil {
					memberNames[ops[0]] = map[uint32]string{}
				}
				memberNames[ops[0]][ops[1]] = decodeString(ops[2:])
			}
		case opDecorate:
			if len(ops) >= 2 {
				target := ops[0]
				decoration := ops[1]
				var lit uint32
				if len(ops) >= 3 {
					lit = ops[2]
				}
				switch decoration {
				case decorationBinding:
					bindingOf[target] = lit
				case decorationDescriptorSet:
					setOf[target] = lit
				case decorationLocation:
					locationOf[target] = lit
				case decorationInputAttachmentIdx:
					inputAttachmentOf[target] = lit
				case decorationSpecId:
					specIDOf[target] = lit
				case decorationBlock:
					memberIsBlock[target] = true
				case decorationBufferBlock:
					memberIsBlock[target] = true
					bufferBlockOf[target] = true
				}
			}
		case opMemberDecorate:
			if len(ops) >= 3 {
				structID, member, decoration := ops[0], ops[1], ops[2]
				if decoration == decorationOffset && len(ops) >= 4 {
					if memberOffset[structID] == nil {
						memberOffset[structID] = map[uint32]uint32{}
					}
					memberOffset[structID][member] = ops[3]
				}
			}
		case opTypePointer:
			if len(ops) >= 3 {
				types[ops[0]] = &typeInfo{opcode: opTypePointer, storageClass: ops[1], elementType: ops[2]}
			}
		case opTypeStruct:
			if len(ops) >= 1 {
				types[ops[0]] = &typeInfo{opcode: opTypeStruct, isBlock: memberIsBlock[ops[0]]}
			}
		case opTypeArray:
			if len(ops) >= 3 {
				length := constants[ops[2]]
				types[ops[0]] = &typeInfo{opcode: opTypeArray, elementType: ops[1], length: length}
			}
		case opTypeRuntimeArray:
			if len(ops) >= 2 {
				types[ops[0]] = &typeInfo{opcode: opTypeRuntimeArray, elementType: ops[1]}
			}
		case opTypeImage:
			if len(ops) >= 7 {
				types[ops[0]] = &typeInfo{opcode: opTypeImage, dim: ops[2], sampled: ops[6]}
			}
		case opTypeSampledImage:
			if len(ops) >= 2 {
				types[ops[0]] = &typeInfo{opcode: opTypeSampledImage, elementType: ops[1]}
			}
		case opTypeSampler:
			if len(ops) >= 1 {
				types[ops[0]] = &typeInfo{opcode: opTypeSampler}
			}
		case opTypeVector:
			if len(ops) >= 3 {
				types[ops[0]] = &typeInfo{opcode: opTypeVector, elementType: ops[1], componentCount: ops[2]}
			}
		case opTypeMatrix:
			if len(ops) >= 3 {
				types[ops[0]] = &typeInfo{opcode: opTypeMatrix, elementType: ops[1], componentCount: ops[2]}
			}
		case opTypeFloat, opTypeInt:
			if len(ops) >= 2 {
				types[ops[0]] = &typeInfo{opcode: opcode, width: ops[1]}
			}
		case opTypeBool:
			if len(ops) >= 1 {
				types[ops[0]] = &typeInfo{opcode: opTypeBool, width: 32}
			}
		case opConstant:
			if len(ops) >= 3 {
				constants[ops[1]] = ops[2]
			}
		case opSpecConstant:
			if len(ops) >= 3 {
				id, val := ops[1], ops[2]
				specConstants = append(specConstants, SpecializationConstant{ConstantID: specIDOf[id], Name: names[id], DefaultValue: val})
			}
		case opSpecConstantTrue, opSpecConstantFalse:
			if len(ops) >= 2 {
				id := ops[1]
				var val uint32
				if opcode == opSpecConstantTrue {
					val = 1
				}
				specConstants = append(specConstants, SpecializationConstant{ConstantID: specIDOf[id], Name: names[id], DefaultValue: val})
			}
		case opVariable:
			if len(ops) >= 3 {
				resultType, resultID, storage := ops[0], ops[1], ops[2]
				variables[resultID] = variable{resultType: resultType, storage: storage}
			}
		}

		idx += int(wordCount)
	}

	mod := &Module{Stage: stage, SpecializationConstants: specConstants}

	for id, v := range variables {
		ptrType, ok := types[v.resultType]
		if !ok || ptrType.opcode != opTypePointer {
			continue
		}
		underlyingID := ptrType.elementType
		arraySize := uint32(1)
		underlying := types[underlyingID]
		for underlying != nil && (underlying.opcode == opTypeArray || underlying.opcode == opTypeRuntimeArray) {
			if underlying.opcode == opTypeArray && underlying.length > 0 {
				arraySize = underlying.length
			} else {
				arraySize = 0 // runtime/unbounded array; the emitted resource reports it as ArraySize 1 (maxUint32 below).
			}
			underlyingID = underlying.elementType
			underlying = types[underlyingID]
		}

		name := names[id]

		switch v.storage {
		case storageClassInput:
			mod.Resources = append(mod.Resources, ShaderResource{
				Name:      name,
				Kind:      KindStageInput,
				StageMask: stage,
				Location:  locationOf[id],
			})
		case storageClassPushConstant:
			if underlying == nil || underlying.opcode != opTypeStruct {
				continue
			}
			offset, size := structOffsetAndSize(memberOffset[underlyingID])
			mod.Resources = append(mod.Resources, ShaderResource{
				Name:      name,
				Kind:      KindPushConstantBuffer,
				StageMask: stage,
				Offset:    offset,
				Size:      size,
			})
		case storageClassUniform, storageClassStorageBuffer:
			if underlying == nil || underlying.opcode != opTypeStruct {
				continue
			}
			kind := KindUniformBuffer
			if v.storage == storageClassStorageBuffer || underlying.isBlock && v.storage == storageClassUniform && isBufferBlock(bufferBlockOf, underlyingID) {
				kind = KindStorageBuffer
			}
			_, size := structOffsetAndSize(memberOffset[underlyingID])
			mod.Resources = append(mod.Resources, ShaderResource{
				Name:      name,
				Kind:      kind,
				StageMask: stage,
				Set:       setOf[id],
				Binding:   bindingOf[id],
				ArraySize: maxUint32(arraySize, 1),
				Size:      size,
			})
		case storageClassUniformConstant:
			res, ok := classifyUniformConstant(underlying, id, name, stage, setOf, bindingOf, inputAttachmentOf, arraySize)
			if ok {
				mod.Resources = append(mod.Resources, res)
			}
		}
	}

	return mod, nil
}

func isBufferBlock(memberIsBlock map[uint32]bool, structID uint32) bool {
	return memberIsBlock[structID]
}

func classifyUniformConstant(underlying *typeInfo, id uint32, name string, stage vk.ShaderStageFlagBits, setOf, bindingOf, inputAttachmentOf map[uint32]uint32, arraySize uint32) (ShaderResource, bool) {
	if underlying == nil {
		return ShaderResource{}, false
	}
	base := ShaderResource{
		Name:      name,
		StageMask: stage,
		Set:       setOf[id],
		Binding:   bindingOf[id],
		ArraySize: maxUint32(arraySize, 1),
	}
	switch underlying.opcode {
	case opTypeSampler:
		base.Kind = KindSampler
		return base, true
	case opTypeSampledImage:
		base.Kind = KindCombinedImageSampler
		return base, true
	case opTypeImage:
		if underlying.dim == dimSubpassData {
			base.Kind = KindInputAttachment
			base.InputAttachmentIndex = inputAttachmentOf[id]
			return base, true
		}
		if underlying.sampled == 2 {
			base.Kind = KindStorageImage
		} else {
			base.Kind = KindSampledImage
		}
		return base, true
	default:
		return ShaderResource{}, false
	}
}

// structOffsetAndSize returns (min offset, size) for a struct's decorated
// member offsets. Size is approximated as the span between the first and
// last recorded member offset plus one scalar slot (16 bytes, the common
// std140 vec4 stride) for the final member, since SPIR-V does not directly
// encode a struct's total byte size.
func structOffsetAndSize(offsets map[uint32]uint32) (uint32, uint32) {
	if len(offsets) == 0 {
		return 0, 0
	}
	min, max := ^uint32(0), uint32(0)
	for _, off := range offsets {
		if off < min {
			min = off
		}
		if off > max {
			max = off
		}
	}
	return min, (max - min) + 16
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// decodeString decodes a SPIR-V literal string packed into the given
// little-endian words (4 ASCII bytes per word, NUL-terminated).
func decodeString(words []uint32) string {
	buf := make([]byte, 0, len(words)*4)
	for _, w := range words {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		for _, c := range b {
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	return string(buf)
}

// MergeByName implements the §4.4 step-3 / §8 invariant-1 reflection
// merge: resources from multiple stage Modules are combined by name,
// OR-ing their stage masks together.
func MergeByName(modules ...*Module) []ShaderResource {
	order := make([]string, 0)
	byName := make(map[string]ShaderResource)

	for _, m := range modules {
		if m == nil {
			continue
		}
		for _, r := range m.Resources {
			existing, ok := byName[r.Name]
			if !ok {
				byName[r.Name] = r
				order = append(order, r.Name)
				continue
			}
			existing.StageMask |= r.StageMask
			byName[r.Name] = existing
		}
	}

	out := make([]ShaderResource, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}
