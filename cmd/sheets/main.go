// Command sheets manages the diagram collection of one session from the
// terminal: list, create, edit, rename, delete and export diagrams.
package main

import (
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitFunc(1)
	}
}
