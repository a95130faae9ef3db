// Package disasm implements a length-and-control-flow x86-64 decoder: it
// does not build full semantic operand trees, only what a DFS walker
// needs to advance past an instruction and classify it as a call, jump,
// conditional jump, or return, mirroring the opcode bytes the encoder
// side of this codebase already knows how to emit (MOV 0x89/0xC7, LEA
// 0x8D, CALL 0xE8/0xFF, CMP 0x39/0x3B/0x3D, PUSH 0x50-0x57, SHL 0xC1/4,
// OR 0x09/0x0B, DIV 0xF7/6).
package disasm

import (
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// Kind classifies an instruction's effect on control flow.
type Kind int

const (
	KindOther Kind = iota
	KindCall
	KindJmp
	KindCondJmp
	KindRet
)

// Instruction is one decoded x86-64 instruction: enough to advance a
// walker and, for direct branches, the resolved absolute target.
type Instruction struct {
	Addr      uint64
	Len       int
	Kind      Kind
	Mnemonic  string
	Target    uint64
	HasTarget bool // false for indirect call/jmp (register or memory operand)
}

// End returns the address immediately following the instruction.
func (in Instruction) End() uint64 { return in.Addr + uint64(in.Len) }

const maxInstructionLen = 15

// Decode reads and decodes one instruction at addr from mem.
func Decode(mem *memory.Memory, addr uint64) (Instruction, error) {
	buf, err := mem.Range(addr, maxInstructionLen)
	if err != nil {
		// fall back to whatever remains in the section; some functions
		// end close enough to a section boundary that 15 bytes overruns.
		rest, rerr := mem.RangeFrom(addr)
		if rerr != nil || len(rest) == 0 {
			return Instruction{}, sleutherr.MemoryAccess(addr, maxInstructionLen)
		}
		buf = rest
	}
	return decodeBytes(buf, addr)
}

type prefixes struct {
	rexW, rexR, rexX, rexB bool
	hasRex                 bool
	opSize16               bool
}

func decodeBytes(buf []byte, addr uint64) (Instruction, error) {
	i := 0
	var pfx prefixes

	for i < len(buf) {
		b := buf[i]
		switch b {
		case 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			i++
			continue
		case 0x66:
			pfx.opSize16 = true
			i++
			continue
		case 0x67:
			i++
			continue
		}
		if b >= 0x40 && b <= 0x4F {
			pfx.hasRex = true
			pfx.rexW = b&0x08 != 0
			pfx.rexR = b&0x04 != 0
			pfx.rexX = b&0x02 != 0
			pfx.rexB = b&0x01 != 0
			i++
			continue
		}
		break
	}
	if i >= len(buf) {
		return Instruction{}, sleutherr.Unsupported("truncated instruction at 0x%x", addr)
	}

	op := buf[i]
	i++

	instr := Instruction{Addr: addr}

	switch {
	case op == 0x0F:
		return decodeTwoByte(buf, i, addr, pfx)

	case op == 0xE8: // CALL rel32
		if i+4 > len(buf) {
			return Instruction{}, sleutherr.Unsupported("truncated CALL at 0x%x", addr)
		}
		disp := int32LE(buf[i:])
		instr.Len = i + 4
		instr.Kind = KindCall
		instr.Mnemonic = "call"
		instr.Target = addr + uint64(instr.Len) + uint64(int64(disp))
		instr.HasTarget = true
		return instr, nil

	case op == 0xE9: // JMP rel32
		if i+4 > len(buf) {
			return Instruction{}, sleutherr.Unsupported("truncated JMP at 0x%x", addr)
		}
		disp := int32LE(buf[i:])
		instr.Len = i + 4
		instr.Kind = KindJmp
		instr.Mnemonic = "jmp"
		instr.Target = addr + uint64(instr.Len) + uint64(int64(disp))
		instr.HasTarget = true
		return instr, nil

	case op == 0xEB: // JMP rel8
		if i+1 > len(buf) {
			return Instruction{}, sleutherr.Unsupported("truncated JMP rel8 at 0x%x", addr)
		}
		disp := int8(buf[i])
		instr.Len = i + 1
		instr.Kind = KindJmp
		instr.Mnemonic = "jmp"
		instr.Target = addr + uint64(instr.Len) + uint64(int64(disp))
		instr.HasTarget = true
		return instr, nil

	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		if i+1 > len(buf) {
			return Instruction{}, sleutherr.Unsupported("truncated Jcc at 0x%x", addr)
		}
		disp := int8(buf[i])
		instr.Len = i + 1
		instr.Kind = KindCondJmp
		instr.Mnemonic = "jcc"
		instr.Target = addr + uint64(instr.Len) + uint64(int64(disp))
		instr.HasTarget = true
		return instr, nil

	case op == 0xC3, op == 0xCB: // RET / RETF
		instr.Len = i
		instr.Kind = KindRet
		instr.Mnemonic = "ret"
		return instr, nil

	case op == 0xC2, op == 0xCA: // RET imm16
		instr.Len = i + 2
		instr.Kind = KindRet
		instr.Mnemonic = "ret"
		return instr, nil

	case op == 0xC9: // LEAVE
		instr.Len = i
		instr.Mnemonic = "leave"
		return instr, nil

	case op == 0x90: // NOP
		instr.Len = i
		instr.Mnemonic = "nop"
		return instr, nil

	case op == 0xCC: // INT3
		instr.Len = i
		instr.Mnemonic = "int3"
		return instr, nil

	case op >= 0x50 && op <= 0x57: // PUSH r64
		instr.Len = i
		instr.Mnemonic = "push"
		return instr, nil

	case op >= 0x58 && op <= 0x5F: // POP r64
		instr.Len = i
		instr.Mnemonic = "pop"
		return instr, nil

	case op == 0x68: // PUSH imm32
		instr.Len = i + 4
		instr.Mnemonic = "push"
		return instr, nil

	case op == 0x6A: // PUSH imm8
		instr.Len = i + 1
		instr.Mnemonic = "push"
		return instr, nil

	case op == 0xFF: // CALL/JMP r/m64, INC/DEC, PUSH r/m64 -- depends on ModRM.reg
		return decodeGroupFF(buf, i, addr, pfx)

	case hasModRM(op):
		return decodeModRMInstruction(buf, i, addr, pfx, op)

	case isImmOnly(op):
		return decodeImmOnlyInstruction(buf, i, addr, op, pfx)

	default:
		// Unknown opcode: advance by one byte so the walker can keep
		// scanning rather than stalling on an unrecognized encoding.
		instr.Len = i
		instr.Mnemonic = "??"
		return instr, nil
	}
}

// decodeGroupFF handles the 0xFF opcode group, whose ModRM.reg field
// selects INC/DEC/CALL/JMP/PUSH.
func decodeGroupFF(buf []byte, i int, addr uint64, pfx prefixes) (Instruction, error) {
	if i >= len(buf) {
		return Instruction{}, sleutherr.Unsupported("truncated opcode group FF at 0x%x", addr)
	}
	modrm := buf[i]
	reg := (modrm >> 3) & 7
	rmLen, _, _, err := decodeModRM(buf, i, pfx)
	if err != nil {
		return Instruction{}, err
	}
	instr := Instruction{Addr: addr, Len: i + rmLen}
	switch reg {
	case 2: // CALL r/m64, indirect, target not statically known
		instr.Kind = KindCall
		instr.Mnemonic = "call"
	case 4: // JMP r/m64, indirect
		instr.Kind = KindJmp
		instr.Mnemonic = "jmp"
	case 6: // PUSH r/m64
		instr.Mnemonic = "push"
	default:
		instr.Mnemonic = "grp5"
	}
	return instr, nil
}

// decodeTwoByte handles the 0x0F two-byte opcode escape: Jcc rel32 and
// everything else advances by ModRM length.
func decodeTwoByte(buf []byte, i int, addr uint64, pfx prefixes) (Instruction, error) {
	if i >= len(buf) {
		return Instruction{}, sleutherr.Unsupported("truncated two-byte opcode at 0x%x", addr)
	}
	op2 := buf[i]
	i++
	instr := Instruction{Addr: addr}

	if op2 >= 0x80 && op2 <= 0x8F { // Jcc rel32
		if i+4 > len(buf) {
			return Instruction{}, sleutherr.Unsupported("truncated Jcc rel32 at 0x%x", addr)
		}
		disp := int32LE(buf[i:])
		instr.Len = i + 4
		instr.Kind = KindCondJmp
		instr.Mnemonic = "jcc"
		instr.Target = addr + uint64(instr.Len) + uint64(int64(disp))
		instr.HasTarget = true
		return instr, nil
	}

	if op2 >= 0x90 && op2 <= 0x9F { // SETcc r/m8
		rmLen, _, _, err := decodeModRM(buf, i, pfx)
		if err != nil {
			return Instruction{}, err
		}
		instr.Len = i + rmLen
		instr.Mnemonic = "setcc"
		return instr, nil
	}

	if op2 == 0x1F { // multi-byte NOP r/m
		rmLen, _, _, err := decodeModRM(buf, i, pfx)
		if err != nil {
			return Instruction{}, err
		}
		instr.Len = i + rmLen
		instr.Mnemonic = "nop"
		return instr, nil
	}

	// Most remaining 0F-prefixed opcodes (MOVZX, MOVSX, IMUL, CMOVcc, SSE
	// moves) follow a ModRM byte; treat them uniformly.
	rmLen, _, _, err := decodeModRM(buf, i, pfx)
	if err != nil {
		return Instruction{}, err
	}
	instr.Len = i + rmLen
	instr.Mnemonic = "0f"
	return instr, nil
}

// hasModRM reports whether op is a one-byte opcode followed by a ModRM
// byte, covering the families the encoder side emits: MOV (0x88-0x8B,
// 0x89), LEA (0x8D), CMP (0x38-0x3B, 0x3D via immOnly), arithmetic/logic
// groups (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP 0x00-0x3B), TEST (0x84-0x85),
// and the immediate-group opcodes (0x80-0x83, 0xC0-0xC1, 0xC6-0xC7,
// 0xF6-0xF7) that select SHL/DIV/etc. via ModRM.reg.
func hasModRM(op byte) bool {
	switch {
	case op <= 0x3B && (op&0xC0) == 0 && (op&0x07) <= 3:
		return true // 00,01,02,03 / 08,09,0A,0B / ... / 38,39,3A,3B rows
	case op == 0x63: // MOVSXD
		return true
	case op >= 0x80 && op <= 0x8B:
		return true
	case op == 0x8D: // LEA
		return true
	case op == 0x8F: // POP r/m64
		return true
	case op >= 0xC0 && op <= 0xC1: // shift group (SHL/SHR/SAR/...)
		return true
	case op >= 0xC6 && op <= 0xC7: // MOV r/m, imm
		return true
	case op >= 0xD0 && op <= 0xD3: // shift group by 1 / CL
		return true
	case op >= 0xF6 && op <= 0xF7: // test/not/neg/mul/imul/div/idiv group
		return true
	case op >= 0xFE && op <= 0xFE: // INC/DEC r/m8
		return true
	default:
		return false
	}
}

// isImmOnly reports whether op is a one-byte opcode taking a fixed-form
// immediate with no ModRM byte (the AL/EAX/RAX-implicit forms).
func isImmOnly(op byte) bool {
	switch op {
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C: // *, AL, imm8
		return true
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x35, 0x3D: // *, eAX, imm32
		return true
	case 0xA8: // TEST AL, imm8
		return true
	case 0xA9: // TEST eAX, imm32
		return true
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7: // MOV r8, imm8
		return true
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF: // MOV r32/64, imm32/64
		return true
	default:
		return false
	}
}

func decodeImmOnlyInstruction(buf []byte, i int, addr uint64, op byte, pfx prefixes) (Instruction, error) {
	immLen := 4
	switch op {
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C, 0xA8:
		immLen = 1
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7:
		immLen = 1
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF:
		immLen = 4 // MOV r32, imm32 by default
		if pfx.rexW {
			immLen = 8 // MOV r64, imm64
		}
	}
	if i+immLen > len(buf) {
		immLen = len(buf) - i
	}
	return Instruction{Addr: addr, Len: i + immLen, Mnemonic: "imm"}, nil
}

func decodeModRMInstruction(buf []byte, i int, addr uint64, pfx prefixes, op byte) (Instruction, error) {
	rmLen, _, reg, err := decodeModRM(buf, i, pfx)
	if err != nil {
		return Instruction{}, err
	}
	i += rmLen

	extraImm := 0
	switch {
	case op >= 0x80 && op <= 0x81:
		extraImm = 4
		if op == 0x80 {
			extraImm = 1
		}
	case op == 0x83:
		extraImm = 1
	case op >= 0xC0 && op <= 0xC1: // shift group, imm8 count
		extraImm = 1
	case op == 0xF6 && reg <= 1: // TEST r/m8, imm8
		extraImm = 1
	case op == 0xF7 && reg <= 1: // TEST r/m32, imm32
		extraImm = 4
	case op >= 0xC6 && op <= 0xC7:
		extraImm = 4
		if op == 0xC6 {
			extraImm = 1
		}
	case op == 0x69:
		extraImm = 4
	case op == 0x6B:
		extraImm = 1
	}
	if i+extraImm > len(buf) {
		extraImm = len(buf) - i
	}
	return Instruction{Addr: addr, Len: i + extraImm, Mnemonic: "modrm"}, nil
}

// decodeModRM parses a ModRM byte plus any SIB and displacement bytes,
// returning the total byte length consumed starting at i (inclusive of
// the ModRM byte itself), the addressing mode, and the register field.
func decodeModRM(buf []byte, i int, pfx prefixes) (length int, mod, reg byte, err error) {
	if i >= len(buf) {
		return 0, 0, 0, sleutherr.Unsupported("truncated ModRM")
	}
	modrm := buf[i]
	mod = modrm >> 6
	reg = (modrm >> 3) & 7
	rm := modrm & 7
	n := 1

	if mod == 3 {
		return n, mod, reg, nil
	}

	if rm == 4 { // SIB byte present
		if i+n >= len(buf) {
			return 0, 0, 0, sleutherr.Unsupported("truncated SIB")
		}
		sib := buf[i+n]
		n++
		base := sib & 7
		if base == 5 && mod == 0 {
			n += 4 // disp32 with no base register
		}
	} else if rm == 5 && mod == 0 {
		n += 4 // RIP-relative disp32
	}

	switch mod {
	case 1:
		n += 1
	case 2:
		n += 4
	}

	if i+n > len(buf) {
		return 0, 0, 0, sleutherr.Unsupported("truncated ModRM displacement")
	}
	return n, mod, reg, nil
}

func int32LE(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
