package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Save a new memory",
		Commands: []*cli.Command{
			ingestTextCommand(),
			ingestLinkCommand(),
			ingestImageCommand(),
		},
	}
}

func ingestTextCommand() *cli.Command {
	var (
		cfg   config
		title string
		input string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "Title of the note",
			Destination: &title,
		},
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Read the note from a file, or - for stdin, instead of arguments",
			Destination: &input,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "text",
		Usage:     "Save a text note",
		ArgsUsage: "[content]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			content := strings.Join(c.Args().Slice(), " ")
			if input != "" {
				data, err := readInput(input)
				if err != nil {
					return err
				}
				content = string(data)
			}

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			m, err := svc.memory.IngestText(ctx, title, content)
			if err != nil {
				return goerr.Wrap(err, "failed to save note")
			}
			printCreated(c.Root().Writer, m)
			return nil
		},
	}
}

func ingestLinkCommand() *cli.Command {
	var (
		cfg         config
		title       string
		description string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "Title of the link",
			Destination: &title,
		},
		&cli.StringFlag{
			Name:        "description",
			Usage:       "Why the link is worth keeping",
			Destination: &description,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "link",
		Usage:     "Save a link",
		ArgsUsage: "<url>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			m, err := svc.memory.IngestLink(ctx, c.Args().Get(0), title, description)
			if err != nil {
				return goerr.Wrap(err, "failed to save link")
			}
			printCreated(c.Root().Writer, m)
			return nil
		},
	}
}

func ingestImageCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "image",
		Usage:     "Save an image",
		ArgsUsage: "<path>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("image path is required")
			}
			path := c.Args().Get(0)

			data, err := os.ReadFile(path)
			if err != nil {
				return goerr.Wrap(err, "failed to read image", goerr.V("path", path))
			}

			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			m, err := svc.memory.IngestImage(ctx, filepath.Base(path), detectMIMEType(path, data), data)
			if err != nil {
				return goerr.Wrap(err, "failed to save image")
			}
			printCreated(c.Root().Writer, m)
			return nil
		},
	}
}

func detectMIMEType(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return strings.SplitN(t, ";", 2)[0]
	}
	return http.DetectContentType(data)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read stdin")
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read input file", goerr.V("path", path))
	}
	return data, nil
}

func printCreated(w io.Writer, m *model.Memory) {
	fmt.Fprintf(w, "Memory saved: %s\n", m.ID)
	fmt.Fprintf(w, "  type:  %s\n", m.Type)
	fmt.Fprintf(w, "  title: %s\n", m.Title)
	if tags := m.Attributes["tags"]; tags != "" {
		fmt.Fprintf(w, "  tags:  %s\n", tags)
	}
}
