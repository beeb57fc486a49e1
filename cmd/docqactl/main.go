package main

import (
	"fmt"
	"os"

	"github.com/dunamismax/docqa/cmd/docqactl/commands"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
