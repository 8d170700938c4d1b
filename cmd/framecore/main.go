package main

// ============================================================================
// framecore entry point
//
// All command logic lives in internal/cli; main only recovers from a fatal
// panic so it is reported on stderr with a non-zero exit status.
//
// Build:
//   go build -o bin/framecore ./cmd/framecore
//
// Run:
//   ./bin/framecore run -c configs/default.yaml
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/framecore/internal/cli"
)

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Execute(version)
}
