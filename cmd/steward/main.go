package main

import (
	"os"

	"github.com/NOVA-ALLRounder/main-sub001/cmd/steward/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
