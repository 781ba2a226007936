package main

import (
	"os"

	"github.com/soren/mika/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
