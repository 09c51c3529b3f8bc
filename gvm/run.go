package gvm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CompileSource runs the lexer, parser and link pass over src and returns a
// VM ready to execute from pc 0. Parse errors are accumulated and returned
// joined; a nonzero return here means the caller must refuse to run.
func CompileSource(src string, stdout io.Writer, log *logrus.Logger) (*VM, error) {
	parser := NewParser(src)
	prog := parser.Parse()

	if err := joinParseErrors(parser.Errors()); err != nil {
		return nil, err
	}

	if err := Link(&prog); err != nil {
		return nil, err
	}

	return NewVM(prog.Instructions, stdout, log), nil
}

func getDefaultRecoverFuncForVM(vm *VM) func() {
	return func() {
		if r := recover(); r != nil {
			pc := vm.pc
			if pc > 0 {
				pc--
			}
			vm.log.WithFields(logrus.Fields{"pc": pc, "panic": r}).Error("interpreter aborted")
			if vm.errcode == nil {
				vm.errcode = fmt.Errorf("interpreter panic: %v", r)
			}
			vm.halted = true
		}
	}
}

// RunProgram executes vm to completion (or to a fatal abort) without any
// interactive stepping. The garbage collector is disabled for the duration
// of the dispatch loop; GOGC is restored afterward.
func RunProgram(vm *VM) {
	key, ok := os.LookupEnv("GOGC")
	if !ok {
		key = "100"
	}
	gcPercent, err := strconv.ParseInt(key, 10, 32)
	if err != nil {
		gcPercent = 100
	}

	defer getDefaultRecoverFuncForVM(vm)()
	defer debug.SetGCPercent(int(gcPercent))

	debug.SetGCPercent(-1)

	for vm.step() {
	}
}

// RunProgramDebugMode runs vm under an interactive line-oriented REPL:
// step one instruction, run to completion, or toggle a breakpoint on a
// given instruction index.
func RunProgramDebugMode(vm *VM, in io.Reader, out io.Writer) {
	defer getDefaultRecoverFuncForVM(vm)()

	fmt.Fprintf(out, "Commands:\n\tn or next: execute next instruction\n\tr or run: run program\n\tb or break <pc>: toggle breakpoint\n\n")

	reader := bufio.NewReader(in)
	waitForInput := true
	breakpoints := make(map[uint32]struct{})

	printState := func() {
		fmt.Fprintf(out, "pc=%d depth=%d sp=%d\n", vm.pc, vm.callDepth, vm.frame.sp)
	}

	printState()
	for {
		line := ""
		if waitForInput {
			fmt.Fprint(out, "\n->")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else if _, hit := breakpoints[vm.pc]; hit {
			fmt.Fprintln(out, "breakpoint")
			printState()
			waitForInput = true
			continue
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			if !vm.step() {
				if vm.errcode != nil {
					fmt.Fprintln(out, vm.errcode)
				}
				return
			}
			if waitForInput {
				printState()
			}
		case line == "r" || line == "run":
			waitForInput = false
		case strings.HasPrefix(line, "b"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "b"))
			arg = strings.TrimSpace(strings.TrimPrefix(arg, "reak"))
			n, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				fmt.Fprintln(out, "unknown instruction index:", err)
				continue
			}
			pc := uint32(n)
			if _, ok := breakpoints[pc]; ok {
				delete(breakpoints, pc)
			} else {
				breakpoints[pc] = struct{}{}
			}
		}
	}
}
