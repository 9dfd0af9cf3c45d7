package main

import (
	"os"

	"github.com/ggonzalez94/nameflow/internal/cli"
)

func main() {
	runner := cli.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
