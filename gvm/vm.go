package gvm

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// StackSize is the fixed size, in bytes, of the operand stack.
	StackSize = 16 * 1024
	// ReturnStackSize is the fixed size, in bytes, of the return stack.
	ReturnStackSize = 16 * 1024
	// LocalsSize is the fixed size, in bytes, of a frame's locals scratch.
	LocalsSize = 256
	// pcEntrySize is the width of one return-stack slot: a saved pc index.
	pcEntrySize = 4
)

// Frame is one call-frame descriptor. Frames form a stack via prev; only
// the topmost frame may be mutated directly, matching the source's linked
// chain of frame pointers.
type Frame struct {
	sp     uint32
	start  uint32
	rsp    uint32
	locals [LocalsSize]byte
	prev   *Frame
}

// VM is the interpreter's full mutable state: the byte-addressed operand
// stack, the parallel return stack, the current frame chain, the program
// counter, and the resolved instruction list to execute against.
type VM struct {
	stack  [StackSize]byte
	rstack [ReturnStackSize]byte

	frame *Frame
	pc    uint32

	instructions []Instruction

	stdout io.Writer
	log    *logrus.Logger

	trace bool

	errcode error
	halted  bool

	callDepth int

	ptrTable []vmPointer
}

// NewVM builds a VM ready to execute prog starting at pc 0. stdout receives
// the output of the *PRINT family; if nil, os.Stdout is used. log receives
// structured diagnostics for recoverable and fatal runtime errors; if nil,
// a default logrus.Logger writing to stderr is used.
func NewVM(instructions []Instruction, stdout io.Writer, log *logrus.Logger) *VM {
	if stdout == nil {
		stdout = os.Stdout
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}
	vm := &VM{
		instructions: instructions,
		stdout:       stdout,
		log:          log,
	}
	vm.frame = &Frame{sp: 0, start: 0, rsp: 0, prev: nil}
	return vm
}

func (vm *VM) Halted() bool        { return vm.halted }
func (vm *VM) Err() error          { return vm.errcode }
func (vm *VM) PC() uint32          { return vm.pc }
func (vm *VM) SetTrace(on bool)    { vm.trace = on }

// --- operand stack primitives ---
//
// push<T> copies sizeof(T) bytes starting at frame.sp and advances it;
// pop<T> does the reverse. peek<T>(k) reads sizeof(T) bytes at
// sp - k*sizeof(T) without moving sp. Underflow (crossing frame.start) and
// overflow (crossing the end of the fixed stack) are reported to the
// caller rather than panicking, so opcode handlers can apply the
// recoverable-vs-fatal policy themselves.

func (vm *VM) stackLen() uint32 { return vm.frame.sp - vm.frame.start }

func (vm *VM) pushBytes(b []byte) bool {
	if vm.frame.sp+uint32(len(b)) > StackSize {
		return false
	}
	copy(vm.stack[vm.frame.sp:], b)
	vm.frame.sp += uint32(len(b))
	return true
}

func (vm *VM) popBytes(width uint32) ([]byte, bool) {
	if width > vm.frame.sp-vm.frame.start {
		return nil, false
	}
	vm.frame.sp -= width
	return vm.stack[vm.frame.sp : vm.frame.sp+width], true
}

func (vm *VM) peekBytes(width uint32, k uint32) ([]byte, bool) {
	need := k * width
	if need > vm.frame.sp-vm.frame.start {
		return nil, false
	}
	off := vm.frame.sp - need
	return vm.stack[off : off+width], true
}

func (vm *VM) push8(v byte) bool  { return vm.pushBytes([]byte{v}) }
func (vm *VM) push32(v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return vm.pushBytes(b[:])
}
func (vm *VM) push64(v uint64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return vm.pushBytes(b[:])
}

func (vm *VM) pop8() (byte, bool) {
	b, ok := vm.popBytes(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}
func (vm *VM) pop32() (uint32, bool) {
	b, ok := vm.popBytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
func (vm *VM) pop64() (uint64, bool) {
	b, ok := vm.popBytes(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (vm *VM) peek32(k uint32) (uint32, bool) {
	b, ok := vm.peekBytes(4, k)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
func (vm *VM) peek64(k uint32) (uint64, bool) {
	b, ok := vm.peekBytes(8, k)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
func (vm *VM) peek8(k uint32) (byte, bool) {
	b, ok := vm.peekBytes(1, k)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// --- return stack primitives ---

func (vm *VM) pushReturn(pc uint32) bool {
	if vm.frame.rsp+pcEntrySize > ReturnStackSize {
		return false
	}
	binary.LittleEndian.PutUint32(vm.rstack[vm.frame.rsp:], pc)
	vm.frame.rsp += pcEntrySize
	return true
}

func (vm *VM) popReturn() (uint32, bool) {
	if vm.frame.rsp < pcEntrySize {
		return 0, false
	}
	vm.frame.rsp -= pcEntrySize
	return binary.LittleEndian.Uint32(vm.rstack[vm.frame.rsp:]), true
}

// vmPointer is the runtime representation behind every machine pointer the
// interpreter hands out. There are two distinct address spaces a pointer
// can name: a declaration's data buffer (PPUSH) or a frame's locals
// scratch (PLOAD) — the two don't share a backing array, so a pointer
// value on the byte stack is an index into vm.ptrTable rather than a raw
// offset. Index 0 is reserved as the null pointer.
type vmPointer struct {
	declBuf []byte
	frame   *Frame
	off     uint32
}

// ptrWidth is the width of a machine pointer on this stack: 4 bytes,
// matching the I/F family width rather than UL's 8 bytes. In the sequence
// `ppush buf; cpush 65; swap32; pset8` the stack holds only 5 bytes, so
// SWAP32 underflows and is skipped, leaving the pointer intact under the
// value; with an 8-byte pointer SWAP32 would swap two halves of stack bytes
// and corrupt the pointer.
const ptrWidth = 4

func (vm *VM) registerPointer(p vmPointer) uint32 {
	vm.ptrTable = append(vm.ptrTable, p)
	return uint32(len(vm.ptrTable) - 1 + 1) // 1-based; 0 stays null
}

func (vm *VM) resolvePointer(idx uint32) ([]byte, bool) {
	if idx == 0 || int(idx) > len(vm.ptrTable) {
		return nil, false
	}
	p := vm.ptrTable[idx-1]
	if p.declBuf != nil {
		if p.off > uint32(len(p.declBuf)) {
			return nil, false
		}
		return p.declBuf[p.off:], true
	}
	if p.frame != nil {
		if p.off > LocalsSize {
			return nil, false
		}
		return p.frame.locals[p.off:], true
	}
	return nil, false
}
