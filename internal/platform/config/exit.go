package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// Exitf prints a fatal startup message prefixed with the program name and
// exits with status 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, "%s: %s\n", filepath.Base(os.Args[0]), fmt.Sprintf(format, args...))
	exit(1)
}
