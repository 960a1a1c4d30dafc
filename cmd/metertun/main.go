package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/metertun/metertun/internal/cli"
)

func main() {
	// optional; flags and real environment still win
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
