package main

import (
	"os"

	"github.com/agentpipe/agentpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
