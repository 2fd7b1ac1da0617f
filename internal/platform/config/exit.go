package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	exitFunc             = os.Exit
	stderr     io.Writer = os.Stderr
	programArg           = defaultProgramArg
)

func defaultProgramArg() string {
	return filepath.Base(os.Args[0])
}

// Exitf prints "<program>: <message>" to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, "%s: %s\n", programArg(), fmt.Sprintf(format, args...))
	exitFunc(1)
}
