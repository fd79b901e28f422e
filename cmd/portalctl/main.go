package main

import (
	"errors"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/freelancehq/portal/cmd/portalctl/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env file: %v", err)
	}
	cli.Execute()
}
