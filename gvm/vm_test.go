package gvm

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func compileAndRun(t *testing.T, src string) (*VM, string) {
	t.Helper()
	var out bytes.Buffer
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{}) // keep diagnostics out of test output
	vm, err := CompileSource(src, &out, log)
	require.NoError(t, err)
	RunProgram(vm)
	return vm, out.String()
}

// --- end-to-end scenarios ---

func TestE1ArithmeticAndPrint(t *testing.T) {
	src := ".text\nmain:\n    ipush 3\n    ipush 4\n    iadd\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "7", out)
}

func TestE2ConditionalLoop(t *testing.T) {
	src := `.text
main:
    ipush 0
loop:
    dupe32
    ipush 10
    iclt
    jumpcmp body
    pop8
    pop32
    pop32
    jump done
body:
    pop8
    pop32
    pop32
    ipush 1
    iadd
    jump loop
done:
    iprint
`
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "10", out)
}

func TestE3CallWithArgumentAndTypedReturn(t *testing.T) {
	src := `.text
main:
    ipush 21
    jumpproc dbl 4
    iprint
    jump end
dbl:
    load32 0
    ipush 2
    imult
    ret32
end:
`
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "42", out)
}

func TestE4PointerStoreDerefIntoDeclaredBuffer(t *testing.T) {
	src := `.data
buf db [4]
.text
main:
    ppush buf
    cpush 65
    swap32
    pset8
    ppush buf
    pderef8
    cprint
`
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "A", out)
}

func TestE5ComparisonDoesNotPop(t *testing.T) {
	src := ".text\nmain:\n    ipush 1\n    ipush 2\n    iclt\n"
	vm, _ := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.EqualValues(t, 9, vm.stackLen())
}

func TestE6ParseErrorRecovery(t *testing.T) {
	src := ".text\nmain:\n    bogus\n    ipush 1\n    iprint\n"
	p := NewParser(src)
	p.Parse()
	require.Len(t, p.Errors(), 1)
}

// --- round-trip laws ---

func TestRoundTripStoreLoad32(t *testing.T) {
	src := ".text\nmain:\n    ipush 99\n    store32 4\n    load32 4\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "99", out)
	require.EqualValues(t, 4, vm.stackLen())
}

func TestRoundTripDupePop(t *testing.T) {
	src := ".text\nmain:\n    ipush 5\n    dupe32\n    pop32\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "5", out)
	require.EqualValues(t, 4, vm.stackLen())
}

func TestRoundTripSwapSwap(t *testing.T) {
	src := ".text\nmain:\n    ipush 1\n    ipush 2\n    swap32\n    swap32\n    isub\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "-1", out)
}

func TestCopyZeroIsNoop(t *testing.T) {
	src := ".text\nmain:\n    ipush 7\n    copy32 0\n"
	vm, _ := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.EqualValues(t, 4, vm.stackLen())
}

func TestCopyNIncreasesDepth(t *testing.T) {
	src := ".text\nmain:\n    ipush 7\n    copy32 3\n"
	vm, _ := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.EqualValues(t, 16, vm.stackLen())
}

// --- boundary behavior ---

func TestUnderflowDoesNotMoveSpBelowFrameStart(t *testing.T) {
	src := ".text\nmain:\n    pop32\n"
	vm, _ := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.EqualValues(t, 0, vm.stackLen())
}

func TestOverflowAborts(t *testing.T) {
	var b bytes.Buffer
	b.WriteString(".text\nmain:\n")
	// push more than StackSize bytes of 4-byte values to force an overflow
	for i := 0; i < StackSize/4+8; i++ {
		b.WriteString("    ipush 1\n")
	}
	var out bytes.Buffer
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	vm, err := CompileSource(b.String(), &out, log)
	require.NoError(t, err)
	RunProgram(vm)
	require.Error(t, vm.Err())
}

func TestJumpCmpFalseAdvancesByOne(t *testing.T) {
	src := ".text\nmain:\n    cpush 0\n    jumpcmp elsewhere\n    ipush 1\n    jump done\nelsewhere:\n    ipush 2\ndone:\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "1", out)
}

func TestDivisionByZeroIsRecoverable(t *testing.T) {
	src := ".text\nmain:\n    ipush 1\n    ipush 0\n    idiv\n    ipush 9\n    iprint\n"
	vm, out := compileAndRun(t, src)
	require.NoError(t, vm.Err())
	require.Equal(t, "9", out)
}
