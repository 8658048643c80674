package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg        config
		limit      int64
		outputJSON bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to return (0 uses the configured default)",
			Sources:     cli.EnvVars("KEEPR_SEARCH_LIMIT"),
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
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Search memories by meaning",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return goerr.New("query is required")
			}

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := svc.search.Search(ctx, query, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to search memories")
			}

			w := c.Root().Writer
			if outputJSON {
				return printJSON(w, out)
			}

			fmt.Fprintf(w, "%s (backend: %s)\n\n", out.Insights.SearchInsights, out.Backend)
			for i, r := range out.Results {
				fmt.Fprintf(w, "%2d. [%s] %s  %.1f%%\n", i+1, r.Type, r.Summary(), r.Score*100)
				fmt.Fprintf(w, "    id: %s  saved: %s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			if len(out.Insights.RelatedQueries) > 0 {
				fmt.Fprintf(w, "\nRelated: %s\n", strings.Join(out.Insights.RelatedQueries, ", "))
			}
			return nil
		},
	}
}
