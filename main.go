package main

import (
	"os"

	"github.com/featrun/featrun/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
