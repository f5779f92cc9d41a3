package main

import (
	"os"

	"github.com/brayalter/vmwatch/cmd/vmwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
