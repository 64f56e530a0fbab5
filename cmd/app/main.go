package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/vellum/internal"
	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/mcpserver"
	"github.com/starford/vellum/internal/worker"
	pkgconfig "github.com/starford/vellum/pkg/config"
)

const exampleConfig = "config/config.example.yaml"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadWithDefaults(cmd.String("config"), exampleConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func initNotebook(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := internal.NewLogger(os.Stderr, cfg.App.LogLevel)

	var password string
	if cmd.Bool("encrypt") {
		if password, err = readPassword("Notebook password: ", true); err != nil {
			return err
		}
	}
	var description *string
	if d := cmd.String("description"); d != "" {
		description = &d
	}

	notebooks, closeNotebooks, err := internal.OpenNotebooks(ctx, cfg, "", logger, nil)
	if err != nil {
		return err
	}
	defer closeNotebooks()

	s, err := notebooks.Create(ctx, cmd.String("name"), description, password)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("notebook %q already exists", apperr.ConflictValue(err))
		}
		return err
	}
	fmt.Println(s.Slug())
	return nil
}

func unlockCheck(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := internal.NewLogger(os.Stderr, cfg.App.LogLevel)

	notebooks, closeNotebooks, err := internal.OpenNotebooks(ctx, cfg, "", logger, nil)
	if err != nil {
		return err
	}
	defer closeNotebooks()

	s, err := notebooks.Open(ctx, cmd.String("notebook"))
	if err != nil {
		return err
	}
	if !s.Encrypted() {
		fmt.Println("notebook is not encrypted")
		return nil
	}
	password, err := readPassword("Notebook password: ", false)
	if err != nil {
		return err
	}
	if err := s.Unlock(ctx, password); err != nil {
		if errors.Is(err, apperr.ErrDecryption) {
			return errors.New("unlock failed")
		}
		return err
	}
	notes, err := s.ListNotes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("unlocked: %d notes\n", len(notes))
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := internal.NewLogger(os.Stderr, cfg.App.LogLevel)

	notebooks, closeNotebooks, err := internal.OpenNotebooks(ctx, cfg, "", logger, nil)
	if err != nil {
		return err
	}
	defer closeNotebooks()

	if slug := cmd.String("unlock"); slug != "" {
		s, err := notebooks.Open(ctx, slug)
		if err != nil {
			return err
		}
		if err := s.Unlock(ctx, cmd.String("password")); err != nil {
			return fmt.Errorf("unlock %s: %w", slug, err)
		}
	}

	return mcpserver.New(notebooks, logger).ServeStdio()
}

func serveWorker(ctx context.Context, cmd *cli.Command) error {
	logger := internal.NewLogger(os.Stderr, slog.LevelWarn)
	provider, closeBackend, err := internal.OpenBackend(internal.StorageConfig{
		Backend:    cmd.String("backend"),
		Path:       cmd.String("root"),
		SQLitePath: cmd.String("sqlite"),
	})
	if err != nil {
		return err
	}
	defer closeBackend()
	return worker.ServeStdio(ctx, provider, logger)
}

func main() {
	cmd := &cli.Command{
		Name:   "vellum",
		Usage:  "Encrypted Markdown notebooks with an HTTP API and MCP tools",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API server",
				Action: serve,
			},
			{
				Name:   "init",
				Usage:  "Create a notebook",
				Action: initNotebook,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Notebook name", Required: true},
					&cli.StringFlag{Name: "description", Usage: "Optional description"},
					&cli.BoolFlag{Name: "encrypt", Usage: "Protect the notebook with a password"},
				},
			},
			{
				Name:   "unlock-check",
				Usage:  "Verify a notebook password without starting the server",
				Action: unlockCheck,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "notebook", Usage: "Notebook slug", Required: true},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "unlock", Usage: "Slug of an encrypted notebook to unlock at start"},
					&cli.StringFlag{Name: "password", Usage: "Password for --unlock", Sources: cli.EnvVars("VELLUM_PASSWORD")},
				},
			},
			{
				Name:   "worker",
				Usage:  "Serve the file store on stdio (started by the server)",
				Hidden: true,
				Action: serveWorker,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "backend", Value: internal.BackendFS},
					&cli.StringFlag{Name: "root"},
					&cli.StringFlag{Name: "sqlite"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
