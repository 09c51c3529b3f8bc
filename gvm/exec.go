package gvm

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// step executes a single instruction and reports whether the dispatcher
// should keep running. A fatal error halts the VM and is recorded in
// vm.errcode; a recoverable error is logged and the instruction becomes a
// no-op, but execution continues.
func (vm *VM) step() bool {
	if vm.pc >= uint32(len(vm.instructions)) {
		vm.halted = true
		return false
	}

	i := vm.pc
	instr := &vm.instructions[i]

	if vm.trace {
		vm.log.WithFields(logrus.Fields{"pc": i, "opcode": instr.Op}).Debug("exec")
	}

	jumped := false
	var fatal error

	switch {
	case instr.Op.IsPushFamily():
		fatal = vm.execPush(instr)
	case instr.Op == OpPop8:
		vm.execPop(1)
	case instr.Op == OpPop32:
		vm.execPop(4)
	case instr.Op == OpPop64:
		vm.execPop(8)
	case isArithOp(instr.Op):
		vm.execArith(instr)
	case isPrintOp(instr.Op):
		vm.execPrint(instr)
	case isCompareOp(instr.Op):
		fatal = vm.execCompare(instr)
	case instr.Op == OpDupe8:
		fatal = vm.execDupe(1)
	case instr.Op == OpDupe32:
		fatal = vm.execDupe(4)
	case instr.Op == OpDupe64:
		fatal = vm.execDupe(8)
	case instr.Op == OpSwap8:
		vm.execSwap(1)
	case instr.Op == OpSwap32:
		vm.execSwap(4)
	case instr.Op == OpSwap64:
		vm.execSwap(8)
	case instr.Op == OpCopy8:
		fatal = vm.execCopy(1, instr.N)
	case instr.Op == OpCopy32:
		fatal = vm.execCopy(4, instr.N)
	case instr.Op == OpCopy64:
		fatal = vm.execCopy(8, instr.N)
	case instr.Op == OpStore8:
		fatal = vm.execStore(1, instr.N)
	case instr.Op == OpStore32:
		fatal = vm.execStore(4, instr.N)
	case instr.Op == OpStore64:
		fatal = vm.execStore(8, instr.N)
	case instr.Op == OpLoad8:
		fatal = vm.execLoad(1, instr.N)
	case instr.Op == OpLoad32:
		fatal = vm.execLoad(4, instr.N)
	case instr.Op == OpLoad64:
		fatal = vm.execLoad(8, instr.N)
	case instr.Op == OpPLoad:
		fatal = vm.execPLoad(instr.N)
	case instr.Op == OpPDeref:
		fatal = vm.execPDeref(instr.N)
	case instr.Op == OpPDeref8:
		fatal = vm.execPDeref(1)
	case instr.Op == OpPDeref32:
		fatal = vm.execPDeref(4)
	case instr.Op == OpPDeref64:
		fatal = vm.execPDeref(8)
	case instr.Op == OpPSet:
		fatal = vm.execPSet(instr.N)
	case instr.Op == OpPSet8:
		fatal = vm.execPSet(1)
	case instr.Op == OpPSet32:
		fatal = vm.execPSet(4)
	case instr.Op == OpPSet64:
		fatal = vm.execPSet(8)
	case instr.Op == OpJump:
		vm.pc = uint32(int32(i) + 1 + instr.Off)
		jumped = true
	case instr.Op == OpJumpCmp:
		jumped = vm.execJumpCmp(i, instr)
	case instr.Op == OpJumpProc:
		jumped, fatal = vm.execJumpProc(i, instr)
	case instr.Op == OpRet:
		jumped, fatal = vm.execRet(instr.N)
	case instr.Op == OpRet8:
		jumped, fatal = vm.execRet(1)
	case instr.Op == OpRet32:
		jumped, fatal = vm.execRet(4)
	case instr.Op == OpRet64:
		jumped, fatal = vm.execRet(8)
	default:
		fatal = errUnimplementedOpcode
	}

	if fatal != nil {
		vm.log.WithFields(logrus.Fields{
			"pc":          i,
			"opcode":      instr.Op,
			"frame_depth": vm.callDepth,
			"kind":        fatalKind(fatal),
		}).Error(fatal)
		vm.errcode = fatal
		vm.halted = true
		return false
	}

	if !jumped {
		vm.pc = i + 1
	}
	return true
}

// fatalKind maps a fatal sentinel error to the diagnostic taxonomy's kind
// label so every abort path logs a consistent, filterable field.
func fatalKind(err error) string {
	switch {
	case errors.Is(err, errStackOverflow), errors.Is(err, errReturnStackOverflow), errors.Is(err, errReturnStackEmpty):
		return "overflow"
	case errors.Is(err, errUnresolvedPointer), errors.Is(err, errLocalsOutOfRange):
		return "unresolved"
	case errors.Is(err, errUnimplementedOpcode):
		return "unknown-opcode"
	default:
		return "unknown-opcode"
	}
}

func (vm *VM) logUnderflow(instr *Instruction) {
	vm.log.WithFields(logrus.Fields{
		"pc":          vm.pc,
		"opcode":      instr.Op,
		"kind":        "underflow",
		"frame_depth": vm.callDepth,
	}).Warn("stack is empty")
}

// --- push family ---

func (vm *VM) execPush(instr *Instruction) error {
	var ok bool
	switch instr.Op {
	case OpULPush:
		ok = vm.push64(instr.Lit.asUint())
	case OpIPush:
		ok = vm.push32(uint32(instr.Lit.asInt()))
	case OpFPush:
		ok = vm.push32(math.Float32bits(instr.Lit.asFloat()))
	case OpCPush:
		ok = vm.push8(byte(instr.Lit.asInt()))
	case OpPPush:
		if instr.Ptr == nil {
			return errUnresolvedPointer
		}
		idx := vm.registerPointer(vmPointer{declBuf: instr.Ptr})
		ok = vm.push32(idx)
	}
	if !ok {
		return errStackOverflow
	}
	return nil
}

func (l Literal) asUint() uint64 {
	switch l.Kind {
	case LitUint:
		return l.U
	case LitInt:
		return uint64(l.I)
	case LitFloat:
		return uint64(l.F)
	}
	return 0
}

func (l Literal) asInt() int64 {
	switch l.Kind {
	case LitInt:
		return l.I
	case LitUint:
		return int64(l.U)
	case LitFloat:
		return int64(l.F)
	}
	return 0
}

func (l Literal) asFloat() float32 {
	switch l.Kind {
	case LitFloat:
		return l.F
	case LitInt:
		return float32(l.I)
	case LitUint:
		return float32(l.U)
	}
	return 0
}

// --- pop / dupe / swap / copy ---

func (vm *VM) execPop(width uint32) {
	if _, ok := vm.popBytes(width); !ok {
		vm.logUnderflow(&vm.instructions[vm.pc])
	}
}

func (vm *VM) execDupe(width uint32) error {
	b, ok := vm.peekBytes(width, 1)
	if !ok {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return nil
	}
	cp := append([]byte(nil), b...)
	if !vm.pushBytes(cp) {
		return errStackOverflow
	}
	return nil
}

func (vm *VM) execSwap(width uint32) {
	top, ok1 := vm.peekBytes(width, 1)
	bot, ok2 := vm.peekBytes(width, 2)
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return
	}
	var tmp [8]byte
	copy(tmp[:width], top)
	copy(top, bot)
	copy(bot, tmp[:width])
}

func (vm *VM) execCopy(width, n uint32) error {
	top, ok := vm.peekBytes(width, 1)
	if !ok {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return nil
	}
	cp := append([]byte(nil), top...)
	for k := uint32(0); k < n; k++ {
		if !vm.pushBytes(cp) {
			return errStackOverflow
		}
	}
	return nil
}

// --- locals ---

func localsInRange(k, width uint32) bool {
	return k+width <= LocalsSize && k+width >= k
}

func (vm *VM) execStore(width, k uint32) error {
	b, ok := vm.popBytes(width)
	if !ok {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return nil
	}
	if !localsInRange(k, width) {
		return errLocalsOutOfRange
	}
	copy(vm.frame.locals[k:k+width], b)
	return nil
}

func (vm *VM) execLoad(width, k uint32) error {
	if !localsInRange(k, width) {
		return errLocalsOutOfRange
	}
	if !vm.pushBytes(vm.frame.locals[k : k+width]) {
		return errStackOverflow
	}
	return nil
}

// execPLoad implements the documented double-push: the instruction's own
// (never populated by the parser) pointer immediate goes out first as a
// null pointer, then the address of the requested locals slot.
func (vm *VM) execPLoad(k uint32) error {
	if k > LocalsSize {
		return errLocalsOutOfRange
	}
	if !vm.push32(0) {
		return errStackOverflow
	}
	idx := vm.registerPointer(vmPointer{frame: vm.frame, off: k})
	if !vm.push32(idx) {
		return errStackOverflow
	}
	return nil
}

func (vm *VM) execPDeref(width uint32) error {
	idx, ok := vm.pop32()
	if !ok {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return nil
	}
	target, ok := vm.resolvePointer(idx)
	if !ok || uint32(len(target)) < width {
		return errUnresolvedPointer
	}
	if !vm.pushBytes(target[:width]) {
		return errStackOverflow
	}
	return nil
}

// execPSet pops the value first (it was pushed last, closest to the top)
// and the pointer second, then writes the value through it. A program that
// pushes the pointer before the value already has the value on top, so no
// swap is needed before the PSET.
func (vm *VM) execPSet(width uint32) error {
	val, ok1 := vm.popBytes(width)
	var savedVal []byte
	if ok1 {
		savedVal = append([]byte(nil), val...)
	}
	idx, ok2 := vm.pop32()
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return nil
	}
	target, ok := vm.resolvePointer(idx)
	if !ok || uint32(len(target)) < width {
		return errUnresolvedPointer
	}
	copy(target[:width], savedVal)
	return nil
}

// --- branches and calls ---

func (vm *VM) execJumpCmp(i uint32, instr *Instruction) bool {
	b, ok := vm.peekBytes(1, 1)
	if !ok {
		vm.logUnderflow(instr)
		return false
	}
	if b[0] != 0 {
		vm.pc = uint32(int32(i) + 1 + instr.Off)
		return true
	}
	return false
}

func (vm *VM) execJumpProc(i uint32, instr *Instruction) (bool, error) {
	if instr.Argc > vm.stackLen() {
		vm.logUnderflow(instr)
		return false, nil
	}
	if instr.Argc > LocalsSize {
		return false, errLocalsOutOfRange
	}
	if !vm.pushReturn(i + 1) {
		return false, errReturnStackOverflow
	}

	vm.frame.sp -= instr.Argc
	newStart := vm.frame.sp

	newFrame := &Frame{sp: newStart, start: newStart, rsp: vm.frame.rsp, prev: vm.frame}
	copy(newFrame.locals[:instr.Argc], vm.stack[newStart:newStart+instr.Argc])

	vm.frame = newFrame
	vm.callDepth++
	vm.pc = uint32(int32(i) + 1 + instr.Off)
	return true, nil
}

func (vm *VM) execRet(width uint32) (bool, error) {
	if width > vm.stackLen() {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return false, nil
	}
	if vm.frame.prev == nil {
		return false, errReturnStackEmpty
	}

	saved, ok := vm.popBytes(width)
	if !ok {
		return false, nil
	}
	savedCopy := append([]byte(nil), saved...)

	retPC, ok := vm.popReturn()
	if !ok {
		return false, errReturnStackEmpty
	}

	rsp := vm.frame.rsp
	vm.frame = vm.frame.prev
	vm.frame.rsp = rsp
	vm.callDepth--
	if !vm.pushBytes(savedCopy) {
		return false, errStackOverflow
	}

	vm.pc = retPC
	return true, nil
}

// --- arithmetic ---

func isArithOp(op Opcode) bool {
	switch op {
	case OpULAdd, OpULSub, OpULMult, OpULDiv, OpULMod,
		OpIAdd, OpISub, OpIMult, OpIDiv, OpIMod,
		OpCAdd, OpCSub, OpCMult, OpCDiv, OpCMod,
		OpFAdd, OpFSub, OpFMult, OpFDiv:
		return true
	}
	return false
}

func (vm *VM) execArith(instr *Instruction) {
	switch instr.Op {
	case OpULAdd, OpULSub, OpULMult, OpULDiv, OpULMod:
		vm.arithUL(instr.Op)
	case OpIAdd, OpISub, OpIMult, OpIDiv, OpIMod:
		vm.arithI(instr.Op)
	case OpCAdd, OpCSub, OpCMult, OpCDiv, OpCMod:
		vm.arithC(instr.Op)
	case OpFAdd, OpFSub, OpFMult, OpFDiv:
		vm.arithF(instr.Op)
	}
}

func (vm *VM) arithUL(op Opcode) {
	b, ok1 := vm.pop64()
	a, ok2 := vm.pop64()
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return
	}
	if (op == OpULDiv || op == OpULMod) && b == 0 {
		vm.logDivZero()
		return
	}
	var r uint64
	switch op {
	case OpULAdd:
		r = a + b
	case OpULSub:
		r = a - b
	case OpULMult:
		r = a * b
	case OpULDiv:
		r = a / b
	case OpULMod:
		r = a % b
	}
	vm.push64(r)
}

func (vm *VM) arithI(op Opcode) {
	bu, ok1 := vm.pop32()
	au, ok2 := vm.pop32()
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return
	}
	a, b := int32(au), int32(bu)
	if (op == OpIDiv || op == OpIMod) && b == 0 {
		vm.logDivZero()
		return
	}
	var r int32
	switch op {
	case OpIAdd:
		r = a + b
	case OpISub:
		r = a - b
	case OpIMult:
		r = a * b
	case OpIDiv:
		r = a / b
	case OpIMod:
		r = a % b
	}
	vm.push32(uint32(r))
}

func (vm *VM) arithC(op Opcode) {
	bu, ok1 := vm.pop8()
	au, ok2 := vm.pop8()
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return
	}
	a, b := int8(au), int8(bu)
	if (op == OpCDiv || op == OpCMod) && b == 0 {
		vm.logDivZero()
		return
	}
	var r int8
	switch op {
	case OpCAdd:
		r = a + b
	case OpCSub:
		r = a - b
	case OpCMult:
		r = a * b
	case OpCDiv:
		r = a / b
	case OpCMod:
		r = a % b
	}
	vm.push8(byte(r))
}

func (vm *VM) arithF(op Opcode) {
	bu, ok1 := vm.pop32()
	au, ok2 := vm.pop32()
	if !ok1 || !ok2 {
		vm.logUnderflow(&vm.instructions[vm.pc])
		return
	}
	a, b := math.Float32frombits(au), math.Float32frombits(bu)
	var r float32
	switch op {
	case OpFAdd:
		r = a + b
	case OpFSub:
		r = a - b
	case OpFMult:
		r = a * b
	case OpFDiv:
		r = a / b
	}
	vm.push32(math.Float32bits(r))
}

func (vm *VM) logDivZero() {
	vm.log.WithFields(logrus.Fields{
		"pc":          vm.pc,
		"opcode":      vm.instructions[vm.pc].Op,
		"kind":        "divzero",
		"frame_depth": vm.callDepth,
	}).Warn("division by zero")
}

// --- compare ---

func isCompareOp(op Opcode) bool {
	switch op {
	case OpIClt, OpICle, OpICeq, OpICgt, OpICge,
		OpULClt, OpULCle, OpULCeq, OpULCgt, OpULCge,
		OpFClt, OpFCle, OpFCeq, OpFCgt, OpFCge,
		OpCClt, OpCCle, OpCCeq, OpCCgt, OpCCge:
		return true
	}
	return false
}

// numericOrdered is the set of concrete operand types the comparison
// family dispatches over: signed 32-bit (I), unsigned 64-bit (UL), 32-bit
// float (F) and signed 8-bit (C, per the compare-as-signed-8-bit
// resolution).
type numericOrdered interface {
	~int32 | ~uint64 | ~float32 | ~int8
}

// compare peeks semantics: a is one slot below the top, b is the top.
func compare[T numericOrdered](a, b T, op Opcode, lt, le, eq, gt, ge Opcode) byte {
	switch op {
	case lt:
		return boolByte(a < b)
	case le:
		return boolByte(a <= b)
	case eq:
		return boolByte(a == b)
	case gt:
		return boolByte(a > b)
	case ge:
		return boolByte(a >= b)
	}
	return 0
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func (vm *VM) pushCompareResult(r byte) error {
	if !vm.push8(r) {
		return errStackOverflow
	}
	return nil
}

func (vm *VM) execCompare(instr *Instruction) error {
	op := instr.Op
	switch {
	case op == OpIClt || op == OpICle || op == OpICeq || op == OpICgt || op == OpICge:
		bu, ok1 := vm.peek32(1)
		au, ok2 := vm.peek32(2)
		if !ok1 || !ok2 {
			vm.logUnderflow(instr)
			return nil
		}
		r := compare(int32(au), int32(bu), op, OpIClt, OpICle, OpICeq, OpICgt, OpICge)
		return vm.pushCompareResult(r)
	case op == OpULClt || op == OpULCle || op == OpULCeq || op == OpULCgt || op == OpULCge:
		b, ok1 := vm.peek64(1)
		a, ok2 := vm.peek64(2)
		if !ok1 || !ok2 {
			vm.logUnderflow(instr)
			return nil
		}
		r := compare(a, b, op, OpULClt, OpULCle, OpULCeq, OpULCgt, OpULCge)
		return vm.pushCompareResult(r)
	case op == OpFClt || op == OpFCle || op == OpFCeq || op == OpFCgt || op == OpFCge:
		bu, ok1 := vm.peek32(1)
		au, ok2 := vm.peek32(2)
		if !ok1 || !ok2 {
			vm.logUnderflow(instr)
			return nil
		}
		a, b := math.Float32frombits(au), math.Float32frombits(bu)
		r := compare(a, b, op, OpFClt, OpFCle, OpFCeq, OpFCgt, OpFCge)
		return vm.pushCompareResult(r)
	case op == OpCClt || op == OpCCle || op == OpCCeq || op == OpCCgt || op == OpCCge:
		bu, ok1 := vm.peek8(1)
		au, ok2 := vm.peek8(2)
		if !ok1 || !ok2 {
			vm.logUnderflow(instr)
			return nil
		}
		r := compare(int8(au), int8(bu), op, OpCClt, OpCCle, OpCCeq, OpCCgt, OpCCge)
		return vm.pushCompareResult(r)
	}
	return nil
}

// --- print ---

func isPrintOp(op Opcode) bool {
	switch op {
	case OpULPrint, OpIPrint, OpFPrint, OpCPrint, OpCIPrint:
		return true
	}
	return false
}

func (vm *VM) execPrint(instr *Instruction) {
	switch instr.Op {
	case OpULPrint:
		v, ok := vm.peek64(1)
		if !ok {
			vm.logUnderflow(instr)
			return
		}
		fprintOrLog(vm, "%d", v)
	case OpIPrint:
		v, ok := vm.peek32(1)
		if !ok {
			vm.logUnderflow(instr)
			return
		}
		fprintOrLog(vm, "%d", int32(v))
	case OpFPrint:
		v, ok := vm.peek32(1)
		if !ok {
			vm.logUnderflow(instr)
			return
		}
		fprintOrLog(vm, "%f", math.Float32frombits(v))
	case OpCPrint:
		v, ok := vm.peek8(1)
		if !ok {
			vm.logUnderflow(instr)
			return
		}
		fprintOrLog(vm, "%c", v)
	case OpCIPrint:
		v, ok := vm.peek8(1)
		if !ok {
			vm.logUnderflow(instr)
			return
		}
		fprintOrLog(vm, "%d", int8(v))
	}
}

func fprintOrLog(vm *VM, format string, v any) {
	if _, err := fmt.Fprintf(vm.stdout, format, v); err != nil {
		vm.log.WithError(err).Error("write to stdout failed")
	}
}
