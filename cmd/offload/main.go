package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the run finished but the card must not be formatted,
// 1 for every other failure.
func exitCode(err error) int {
	if errors.Is(err, errNotSafe) {
		return 2
	}
	return 1
}
