package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/routinely/routinely/internal/store"
)

var msgHwd = &MsgRunner{}

type MsgRunner struct{}

func (r *MsgRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "msg",
		Usage: "Manage the per-session message log that feeds job context",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Append a message to a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "session id (default session if omitted)"},
					&cli.StringFlag{Name: "role", Value: "user", Usage: "user or assistant"},
					&cli.StringFlag{Name: "content", Aliases: []string{"m"}, Usage: "message body"},
				},
				Action: r.add,
			},
			{
				Name:  "list",
				Usage: "Show a session's recent messages",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}},
					&cli.IntFlag{Name: "limit", Value: store.MaxContextMessages},
				},
				Action: r.list,
			},
			{
				Name:  "prune",
				Usage: "Drop all but the newest messages of a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}},
					&cli.IntFlag{Name: "keep", Value: store.MaxContextMessages},
				},
				Action: r.prune,
			},
		},
	}
}

func (r *MsgRunner) add(ctx context.Context, cmd *cli.Command) error {
	content := strings.TrimSpace(cmd.String("content"))
	if content == "" {
		return errors.New("--content cannot be empty")
	}
	role := strings.TrimSpace(cmd.String("role"))
	if role != "user" && role != "assistant" {
		return fmt.Errorf("unsupported role %q", role)
	}

	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.AppendMessage(ctx, cmd.String("session"), role, content); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	fmt.Println("Message recorded.")
	return nil
}

func (r *MsgRunner) list(ctx context.Context, cmd *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	msgs, err := st.RecentMessages(ctx, cmd.String("session"), int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("%s  %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return nil
}

func (r *MsgRunner) prune(ctx context.Context, cmd *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	removed, err := st.PruneMessages(ctx, cmd.String("session"), int(cmd.Int("keep")))
	if err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	fmt.Printf("Removed %d message(s).\n", removed)
	return nil
}
