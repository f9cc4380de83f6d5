package main

import (
	"os"

	"github.com/atmx/funding-engine/cmd/riskd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
