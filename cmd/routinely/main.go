package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/routinely/routinely/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "routinely",
		Usage: "Personal automation scheduler: prompts on a schedule, delivered where you are",
		Commands: []*cli.Command{
			initHwd.cmd(),
			serveHwd.cmd(),
			jobHwd.cmd(),
			msgHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
