package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session",
			Aliases:     []string{"s"},
			Usage:       "Resume a saved conversation instead of starting a new one",
			Sources:     cli.EnvVars("KEEPR_SESSION"),
			Destination: &sessionID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Ask questions about your memories",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.manager.Load(ctx); err != nil {
				return goerr.Wrap(err, "failed to restore conversations")
			}
			defer func() {
				if err := svc.manager.Close(context.WithoutCancel(ctx)); err != nil {
					fmt.Fprintf(os.Stderr, "failed to save conversation: %v\n", err)
				}
			}()

			w := c.Root().Writer
			id := model.SessionID(sessionID)
			if id == "" {
				session, greeting := svc.chat.StartSession(ctx)
				id = session.ID
				fmt.Fprintf(w, "%s\n", greeting)
			} else {
				session, err := svc.manager.GetSession(id)
				if err != nil {
					return goerr.Wrap(err, "failed to resume conversation")
				}
				fmt.Fprintf(w, "Resumed conversation with %d messages.\n", len(session.Messages))
			}
			fmt.Fprintf(w, "Session: %s (type 'exit' to quit)\n", id)

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     filepath.Join(cfg.dataDir, "chat_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          w,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize prompt")
			}
			defer rl.Close()

			return chatLoop(ctx, rl, w, svc.chat, id)
		},
	}
}

func chatLoop(ctx context.Context, rl *readline.Instance, w io.Writer, uc *chat.UseCase, id model.SessionID) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		message := strings.TrimSpace(line)
		if message == "exit" || message == "quit" {
			return nil
		}
		if message == "" {
			continue
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " searching memories..."
		sp.Start()
		reply, err := uc.HandleMessage(ctx, id, message)
		sp.Stop()
		if err != nil {
			return goerr.Wrap(err, "failed to answer message")
		}

		printReply(w, reply)
	}
}

func printReply(w io.Writer, reply *chat.Reply) {
	msg := reply.Message
	fmt.Fprintf(w, "\n%s\n", msg.Content)
	fmt.Fprintf(w, "  (confidence: %s, backend: %s)\n", msg.Confidence, reply.Backend)
	for _, m := range msg.RelevantMemories {
		fmt.Fprintf(w, "  - [%s] %s  %.0f%%  %s\n", m.Type, m.Summary(), m.Score*100, m.ID)
	}
	fmt.Fprintln(w)
}
