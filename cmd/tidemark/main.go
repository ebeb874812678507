// Command tidemark is the CLI for the tidemark coordination store.
package main

import (
	"context"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/roach88/tidemark/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
