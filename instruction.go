package unitymemory

import (
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the architectural limit of an x86 instruction
const maxInstructionLen = 15

// DecodeInstruction decodes the x86 instruction at addr. mode is 32 or 64.
func DecodeInstruction(mem Memory, addr Address, mode int) (x86asm.Inst, bool) {
	var buf [maxInstructionLen]byte
	n := len(buf)
	// the instruction may sit right before an unmapped page
	for n > 0 && mem.ReadMemory(addr, buf[:n]) != nil {
		n--
	}
	if n == 0 {
		return x86asm.Inst{}, false
	}

	inst, err := x86asm.Decode(buf[:n], mode)
	if err != nil {
		return x86asm.Inst{}, false
	}
	return inst, true
}

// RIPTarget returns the absolute address referenced by the first rip-relative
// memory operand of an instruction decoded at addr
func RIPTarget(inst x86asm.Inst, addr Address) (Address, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if m, ok := arg.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return addr.Add(inst.Len + int(m.Disp)), true
		}
	}
	return InvalidAddress, false
}
