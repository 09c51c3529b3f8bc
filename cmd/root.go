// Package cmd wires the interpreter's components together behind a small
// cobra-based command line, the way a complete driver around the core
// would be built: the core (gvm) never imports this package.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kts-interp/interp/gvm"
)

var (
	debugMode bool
	traceMode bool
)

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "interp [options] file...",
		Short:         "run a typed stack-based assembly program",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runInterp,
	}
	root.Flags().BoolVarP(&debugMode, "debug", "d", false, "run under the interactive single-step debugger")
	root.Flags().BoolVar(&traceMode, "trace", false, "log every executed instruction to stderr")
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInterp(cmd *cobra.Command, files []string) error {
	var src strings.Builder
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f, err)
		}
		src.Write(b)
		src.WriteByte('\n')
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if traceMode {
		log.SetLevel(logrus.DebugLevel)
	}

	vm, err := gvm.CompileSource(src.String(), os.Stdout, log)
	if err != nil {
		return err
	}
	vm.SetTrace(traceMode)

	if debugMode {
		gvm.RunProgramDebugMode(vm, os.Stdin, os.Stdout)
	} else {
		gvm.RunProgram(vm)
	}

	if err := vm.Err(); err != nil {
		return err
	}
	return nil
}
