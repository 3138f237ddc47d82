package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/routinely/routinely/internal/consts"
)

var initHwd = &InitRunner{}

type InitRunner struct{}

const starterConfig = `# routinely configuration
logging:
  level: info
  output: stdout

database:
  path: # defaults to ~/.routinely/routinely.db

scheduler:
  shutdown_grace_sec: 10

agent:
  # External command that answers prompts. The prompt arrives on stdin,
  # the answer is read from stdout.
  command: claude
  args: ["-p"]
  timeout_sec: 300

channels:
  desktop:
    enabled: true
  telegram:
    enabled: false
    token: ""
    default_chat: ""
`

func (r *InitRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Write a starter config file to ~/.routinely/",
		Action: r.run,
	}
}

func (r *InitRunner) run(_ context.Context, _ *cli.Command) error {
	path := consts.DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s, leaving it untouched.\n", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println(color.GreenString("Edit it to taste, then run \"routinely serve\"."))
	return nil
}
