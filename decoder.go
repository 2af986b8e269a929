package elfscope

import (
	"errors"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// OperandKind is the normalized shape of an instruction's first operand.
type OperandKind int

// Operand kinds.
const (
	OperandNone OperandKind = iota
	// OperandImm is an immediate target, already made absolute for
	// relative branches.
	OperandImm
	// OperandMem is a memory reference base + index*scale + disp.
	OperandMem
	// OperandReg is a register.
	OperandReg
)

// Operand is the normalized view of an instruction's first operand.
type Operand struct {
	Kind OperandKind
	// Imm is the absolute target of an OperandImm.
	Imm uint64
	// Base, Index and Reg are register names, empty when absent.
	Base  string
	Index string
	Reg   string
	Scale uint8
	Disp  int64
	// RIPRelative is set when the memory operand is anchored to the
	// instruction pointer.
	RIPRelative bool
	// Segment is "fs" or "gs" for a memory operand relative to a segment
	// base, empty otherwise.
	Segment string
}

// Instruction is a decoded x86-64 instruction.
type Instruction struct {
	Addr     uint64
	Len      int
	Mnemonic string
	Op       Operand

	call bool
}

// IsCall reports whether the instruction is a near CALL.
func (i Instruction) IsCall() bool {
	return i.call
}

// Next returns the address of the following instruction.
func (i Instruction) Next() uint64 {
	return i.Addr + uint64(i.Len)
}

// Decode decodes x86-64 machine code starting at virtual address base. It
// stops at the first byte sequence it cannot decode and returns the
// instructions decoded so far together with a *DecodeError. Decoding never
// reads past the end of code.
func Decode(code []byte, base uint64) ([]Instruction, error) {
	var result []Instruction

	offset := 0
	addr := base

	for offset < len(code) {
		// golang.org/x/arch/x86/x86asm does not recognise ENDBR64
		// (f3 0f 1e fa) and ENDBR32 (f3 0f 1e fb), emitted at function
		// entries with -fcf-protection.
		if isEndbr(code[offset:]) {
			result = append(result, Instruction{Addr: addr, Len: 4, Mnemonic: endbrMnemonic(code[offset+3])})
			offset += 4
			addr += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err == nil && inst.Len == 0 {
			err = errors.New("zero-length instruction")
		}
		if err != nil {
			return result, &DecodeError{Addr: addr, Err: err}
		}

		result = append(result, Instruction{
			Addr:     addr,
			Len:      inst.Len,
			Mnemonic: strings.ToLower(inst.Op.String()),
			Op:       normalizeOperand(inst, addr),
			call:     inst.Op == x86asm.CALL,
		})

		offset += inst.Len
		addr += uint64(inst.Len)
	}

	return result, nil
}

func isEndbr(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == 0xf3 && b[1] == 0x0f && b[2] == 0x1e && (b[3] == 0xfa || b[3] == 0xfb)
}

func endbrMnemonic(last byte) string {
	if last == 0xfa {
		return "endbr64"
	}
	return "endbr32"
}

func normalizeOperand(inst x86asm.Inst, addr uint64) Operand {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		return Operand{
			Kind: OperandImm,
			Imm:  addr + uint64(inst.Len) + uint64(int64(arg)),
		}
	case x86asm.Imm:
		return Operand{Kind: OperandImm, Imm: uint64(arg)}
	case x86asm.Mem:
		op := Operand{
			Kind:        OperandMem,
			Scale:       arg.Scale,
			Disp:        arg.Disp,
			RIPRelative: arg.Base == x86asm.RIP,
		}
		if arg.Segment == x86asm.FS || arg.Segment == x86asm.GS {
			op.Segment = strings.ToLower(arg.Segment.String())
		}
		if arg.Base != 0 {
			op.Base = strings.ToLower(arg.Base.String())
		}
		if arg.Index != 0 {
			op.Index = strings.ToLower(arg.Index.String())
		}
		return op
	case x86asm.Reg:
		return Operand{Kind: OperandReg, Reg: strings.ToLower(arg.String())}
	default:
		return Operand{}
	}
}
