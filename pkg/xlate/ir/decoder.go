package ir

import (
	"encoding/binary"
	"fmt"
)

// DecodeBlock decodes guest x86-64 bytes starting at guestPC into a Block,
// stopping at the first instruction that ends a basic block (hlt or an
// unconditional near jmp). It understands exactly:
//
//	B8 id          mov eax, imm32
//	05 id          add eax, imm32
//	E9 rel32       jmp rel32 (near, relative to the following instruction)
//	F4             hlt
//
// This is the reference front-end; it exists to make basic end-to-end
// scenarios runnable, not as a general x86 decoder (out of scope here).
func DecodeBlock(code []byte, guestPC uint64) (*Block, error) {
	b := &Block{GuestPC: guestPC}
	off := 0
	for {
		if off >= len(code) {
			b.HasFallthrough = true
			b.FallthroughTarget = guestPC + uint64(off)
			return b, nil
		}
		op := code[off]
		switch op {
		case 0xB8: // mov eax, imm32
			if off+5 > len(code) {
				return nil, fmt.Errorf("ir: truncated mov eax,imm32 at %#x", guestPC+uint64(off))
			}
			imm := binary.LittleEndian.Uint32(code[off+1 : off+5])
			b.Nodes = append(b.Nodes, Node{Op: OpLoadImm, Dest: 0, Imm: uint64(imm), Width: 32})
			off += 5
		case 0x05: // add eax, imm32
			if off+5 > len(code) {
				return nil, fmt.Errorf("ir: truncated add eax,imm32 at %#x", guestPC+uint64(off))
			}
			imm := binary.LittleEndian.Uint32(code[off+1 : off+5])
			b.Nodes = append(b.Nodes, Node{Op: OpAddImm, Dest: 0, Imm: uint64(imm), Width: 32})
			off += 5
		case 0xE9: // jmp rel32
			if off+5 > len(code) {
				return nil, fmt.Errorf("ir: truncated jmp rel32 at %#x", guestPC+uint64(off))
			}
			rel := int32(binary.LittleEndian.Uint32(code[off+1 : off+5]))
			next := guestPC + uint64(off) + 5
			target := uint64(int64(next) + int64(rel))
			b.Nodes = append(b.Nodes, Node{Op: OpJmp, Imm: target})
			b.HasBranch = true
			b.BranchTarget = target
			return b, nil
		case 0xF4: // hlt
			b.Nodes = append(b.Nodes, Node{Op: OpHlt})
			b.Halts = true
			return b, nil
		default:
			return nil, fmt.Errorf("ir: unsupported opcode %#x at %#x", op, guestPC+uint64(off))
		}
	}
}
