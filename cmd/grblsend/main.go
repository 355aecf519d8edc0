// Command grblsend streams commands to a GRBL or FluidNC controller.
//
// "grblsend send" reads commands from stdin, one per line. The tokens %%HOME, %%RESET and
// %%STREAM <file> run the homing macro, a soft reset and a file stream.
//
// "grblsend run PORT FILE" runs the homing macro, then streams FILE.
//
// A port of the form tcp://host:port connects to a network attached controller.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/arloliu/go-grbl/grbl"
)

// Exit codes.
const (
	exitFailure = 1
	exitInput   = 2
	exitAborted = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "!!", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, grbl.ErrInput):
		return exitInput
	case errors.Is(err, grbl.ErrHomingFailed), errors.Is(err, grbl.ErrStreamAborted):
		return exitAborted
	default:
		return exitFailure
	}
}
