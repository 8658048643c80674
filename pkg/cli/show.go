package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show a memory",
		ArgsUsage: "<memory-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("memory id is required")
			}
			id := model.MemoryID(c.Args().Get(0))

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			m, err := svc.memory.Get(ctx, id)
			if err != nil {
				return goerr.Wrap(err, "failed to get memory")
			}
			return printJSON(c.Root().Writer, m.View())
		},
	}
}

func deleteCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a memory and its image",
		ArgsUsage: "<memory-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("memory id is required")
			}
			id := model.MemoryID(c.Args().Get(0))

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.memory.Delete(ctx, id); err != nil {
				return goerr.Wrap(err, "failed to delete memory")
			}

			fmt.Fprintf(c.Root().Writer, "Memory deleted: %s\n", id)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal output")
	}
	fmt.Fprintf(w, "%s\n", string(data))
	return nil
}
