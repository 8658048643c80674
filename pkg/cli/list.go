package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		cfg        config
		memType    string
		limit      int64
		outputJSON bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "Only list memories of this type (text, image, link)",
			Destination: &memType,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to list",
			Value:       100,
			Sources:     cli.EnvVars("KEEPR_LIST_LIMIT"),
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Aliases:     []string{"j"},
			Usage:       "Output in JSON format",
			Sources:     cli.EnvVars("KEEPR_OUTPUT_JSON"),
			Destination: &outputJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List saved memories, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if memType != "" {
				if err := model.MemoryType(memType).Validate(); err != nil {
					return err
				}
			}

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			memories, err := svc.memory.List(ctx, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}

			views := make([]*model.MemoryView, 0, len(memories))
			for _, m := range memories {
				if memType == "" || m.Type == model.MemoryType(memType) {
					views = append(views, m.View())
				}
			}

			w := c.Root().Writer
			if outputJSON {
				return printJSON(w, views)
			}
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.CreatedAt.Format("2006-01-02 15:04"), v.Type, v.Summary())
			}
			return nil
		},
	}
}
