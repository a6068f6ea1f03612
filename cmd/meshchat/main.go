package main

import (
	"os"

	"github.com/opd-ai/meshledger/cmd/meshchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
