// Command construct runs the Neural Construct gateway and drives reasoning
// turns from the terminal.
package main

import (
	"os"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "v0.1.0-dev"

func main() {
	if err := newRootCmd(Version).Execute(); err != nil {
		os.Exit(1)
	}
}
