package main

import (
	"os"

	"github.com/nadhira/lobby/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
