package config

import (
	"fmt"
	"os"
)

// Exitf prints the formatted message to stderr and exits with status 1.
// Entry points use it for failures that happen before logging is wired,
// such as flag parsing.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
