package elfscope_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/elfscope"
)

// encodeCallRel32 writes a CALL rel32 instruction at code[offset:].
func encodeCallRel32(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = 0xE8
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// encodeCallRIP writes a CALL [rip+disp32] instruction at code[offset:]
// referencing slot.
func encodeCallRIP(code []byte, offset int, baseAddr, slot uint64) {
	source := baseAddr + uint64(offset)
	disp := int32(int64(slot) - int64(source+6))
	code[offset] = 0xFF
	code[offset+1] = 0x15
	binary.LittleEndian.PutUint32(code[offset+2:], uint32(disp))
}

func TestDecode_CallOperands(t *testing.T) {
	// call rel32               = 0xE8 <4 bytes rel32>
	// call rax                 = 0xFF 0xD0
	// call [rip+disp32]        = 0xFF 0x15 <4 bytes disp32>
	// call [rbx+disp8]         = 0xFF 0x53 <1 byte disp8>
	// call [disp32]            = 0xFF 0x14 0x25 <4 bytes disp32>
	// call fs:[disp32]         = 0x64 0xFF 0x14 0x25 <4 bytes disp32>
	// call [eip+disp32]        = 0x67 0xFF 0x15 <4 bytes disp32>
	tests := []struct {
		name     string
		code     []byte
		baseAddr uint64
		wantOp   elfscope.Operand
		wantLen  int
	}{
		{
			name: "pc-relative-call",
			// Target = 0 + 5 + 0x0B = 0x10
			code:    []byte{0xE8, 0x0B, 0x00, 0x00, 0x00},
			wantOp:  elfscope.Operand{Kind: elfscope.OperandImm, Imm: 0x10},
			wantLen: 5,
		},
		{
			name: "pc-relative-call-negative-offset",
			// At address 0x100, target = 0x100 + 5 + (-32) = 0xE5
			code:     []byte{0xE8, 0xE0, 0xFF, 0xFF, 0xFF},
			baseAddr: 0x100,
			wantOp:   elfscope.Operand{Kind: elfscope.OperandImm, Imm: 0xE5},
			wantLen:  5,
		},
		{
			name:     "register-indirect-call",
			code:     []byte{0xFF, 0xD0},
			baseAddr: 0x200,
			wantOp:   elfscope.Operand{Kind: elfscope.OperandReg, Reg: "rax"},
			wantLen:  2,
		},
		{
			name:     "rip-relative-call",
			code:     []byte{0xFF, 0x15, 0x34, 0x12, 0x00, 0x00},
			baseAddr: 0x1000,
			wantOp:   elfscope.Operand{Kind: elfscope.OperandMem, Base: "rip", Disp: 0x1234, RIPRelative: true},
			wantLen:  6,
		},
		{
			name:     "memory-call-with-base-register",
			code:     []byte{0xFF, 0x53, 0x10},
			baseAddr: 0x300,
			wantOp:   elfscope.Operand{Kind: elfscope.OperandMem, Base: "rbx", Disp: 0x10},
			wantLen:  3,
		},
		{
			name:    "absolute-memory-call",
			code:    []byte{0xFF, 0x14, 0x25, 0x00, 0x30, 0x00, 0x00},
			wantOp:  elfscope.Operand{Kind: elfscope.OperandMem, Disp: 0x3000},
			wantLen: 7,
		},
		{
			name:    "fs-segment-call",
			code:    []byte{0x64, 0xFF, 0x14, 0x25, 0x00, 0x30, 0x00, 0x00},
			wantOp:  elfscope.Operand{Kind: elfscope.OperandMem, Disp: 0x3000, Segment: "fs"},
			wantLen: 8,
		},
		{
			name:    "gs-segment-call",
			code:    []byte{0x65, 0xFF, 0x14, 0x25, 0x10, 0x00, 0x00, 0x00},
			wantOp:  elfscope.Operand{Kind: elfscope.OperandMem, Disp: 0x10, Segment: "gs"},
			wantLen: 8,
		},
		{
			name:     "eip-relative-call",
			code:     []byte{0x67, 0xFF, 0x15, 0x00, 0x10, 0x00, 0x00},
			baseAddr: 0x1000,
			wantOp:   elfscope.Operand{Kind: elfscope.OperandMem, Base: "eip", Disp: 0x1000},
			wantLen:  7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insts, err := elfscope.Decode(tt.code, tt.baseAddr)
			require.NoError(t, err)
			require.Len(t, insts, 1)

			inst := insts[0]
			assert.True(t, inst.IsCall())
			assert.Equal(t, "call", inst.Mnemonic)
			assert.Equal(t, tt.baseAddr, inst.Addr)
			assert.Equal(t, tt.wantLen, inst.Len)
			assert.Equal(t, tt.baseAddr+uint64(tt.wantLen), inst.Next())

			got := inst.Op
			got.Scale = tt.wantOp.Scale
			assert.Equal(t, tt.wantOp, got)
		})
	}
}

func TestDecode_NoCalls(t *testing.T) {
	// nop; push rbp; mov rbp, rsp; ret
	insts, err := elfscope.Decode([]byte{0x90, 0x55, 0x48, 0x89, 0xe5, 0xc3}, 0x400)
	require.NoError(t, err)
	require.Len(t, insts, 4)

	addrs := make([]uint64, len(insts))
	for i, inst := range insts {
		assert.False(t, inst.IsCall())
		addrs[i] = inst.Addr
	}
	assert.Equal(t, []uint64{0x400, 0x401, 0x402, 0x405}, addrs)
	assert.Equal(t, "ret", insts[3].Mnemonic)
}

func TestDecode_ENDBR(t *testing.T) {
	// endbr64; call rel32 -> 0x20
	code := make([]byte, 9)
	copy(code, []byte{0xf3, 0x0f, 0x1e, 0xfa})
	encodeCallRel32(code, 4, 0, 0x20)

	insts, err := elfscope.Decode(code, 0)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, "endbr64", insts[0].Mnemonic)
	assert.Equal(t, 4, insts[0].Len)
	assert.True(t, insts[1].IsCall())
	assert.Equal(t, uint64(0x20), insts[1].Op.Imm)
}

func TestDecode_Truncated(t *testing.T) {
	// nop followed by a call opcode with no displacement bytes.
	insts, err := elfscope.Decode([]byte{0x90, 0xE8}, 0x1000)

	require.Error(t, err)
	assert.ErrorIs(t, err, elfscope.ErrDecode)

	var derr *elfscope.DecodeError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, uint64(0x1001), derr.Addr)

	require.Len(t, insts, 1, "instructions before the failure are kept")
	assert.Equal(t, "nop", insts[0].Mnemonic)
}

func TestDecode_Empty(t *testing.T) {
	for _, code := range [][]byte{nil, {}} {
		insts, err := elfscope.Decode(code, 0)
		require.NoError(t, err)
		assert.Empty(t, insts)
	}
}
