package main

import (
	"os"

	"github.com/streamsockets/streamsockets/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
