// Command gridctl is the operator CLI for the crime grid engine: grid
// lookups, rebuilds from historical sources, forecasts and schema
// migrations against the configured aggregate store.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
