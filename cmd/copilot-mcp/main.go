package main

import (
	"os"

	"github.com/lydakis/copilot-mcp/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
