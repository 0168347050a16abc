package ir

import "testing"

func TestDecodeArithmeticBlock(t *testing.T) {
	// mov eax, 0x3; add eax, 0x4; hlt
	code := []byte{
		0xB8, 0x03, 0x00, 0x00, 0x00,
		0x05, 0x04, 0x00, 0x00, 0x00,
		0xF4,
	}
	block, err := DecodeBlock(code, 0x400000)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !block.Halts {
		t.Fatal("block should end in hlt")
	}
	if len(block.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(block.Nodes))
	}
	if block.Nodes[0].Op != OpLoadImm || block.Nodes[0].Imm != 3 {
		t.Fatalf("node0 = %+v, want OpLoadImm imm=3", block.Nodes[0])
	}
	if block.Nodes[1].Op != OpAddImm || block.Nodes[1].Imm != 4 {
		t.Fatalf("node1 = %+v, want OpAddImm imm=4", block.Nodes[1])
	}
}

func TestDecodeDirectJmp(t *testing.T) {
	// jmp to 0x400100 from 0x400000, instruction is 5 bytes so rel32 is
	// target - (pc + 5).
	target := uint64(0x400100)
	pc := uint64(0x400000)
	rel := int32(int64(target) - int64(pc+5))
	code := []byte{0xE9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}

	block, err := DecodeBlock(code, pc)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !block.HasBranch || block.BranchTarget != target {
		t.Fatalf("block = %+v, want branch to %#x", block, target)
	}
}

func TestDecodeUnsupportedOpcode(t *testing.T) {
	if _, err := DecodeBlock([]byte{0x90}, 0x400000); err == nil {
		t.Fatal("expected error for unsupported opcode")
	}
}
