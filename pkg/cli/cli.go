package cli

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

// Version is set at build time
var Version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	// .env is optional; values from the real environment win
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:    "keepr",
		Usage:   "Personal memory store with semantic search and chat",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			ingestCommand(),
			searchCommand(),
			listCommand(),
			showCommand(),
			deleteCommand(),
			chatCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
