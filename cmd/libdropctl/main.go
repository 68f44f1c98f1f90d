// Command libdropctl is a thin terminal front end over pkg/libdrop,
// playing the role the teacher's cmd/jend/main.go plays over its own
// internal/core: send/receive/history, minus the bubbletea TUI, since
// nothing here needs a progress animation to be useful from a script.
package main

import (
	"fmt"
	"os"

	"github.com/jend-dev/libdrop/cmd/libdropctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
