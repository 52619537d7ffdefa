package main

import (
	"os"

	"dictation-optimizer/internal/command"
)

func main() {
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
