package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/ahrdadan/capq/internal/cli"
	"github.com/ahrdadan/capq/internal/config"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		cli.PrintError(os.Stderr, err)
	}

	var root cli.CLI
	ctx := kong.Parse(&root,
		kong.Name("capq"),
		kong.Description("Headless browser captures from the command line."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&root.Globals); err != nil {
		cli.PrintError(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
