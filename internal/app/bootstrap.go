package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"bdaybot/internal/config"
	"bdaybot/internal/importer"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

// ImportOptions drive a one-shot vCard import into the configured store.
type ImportOptions struct {
	ConfigPath string
	Scope      string
	// File is the .vcf path; "-" reads stdin.
	File    string
	Replace bool
	DryRun  bool
}

// RunImport loads the config, opens the store without starting the bot and
// imports the cards of opts.File into opts.Scope.
func RunImport(ctx context.Context, opts ImportOptions, stdin io.Reader) (importer.Result, error) {
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		return importer.Result{}, errors.New("import: scope is required")
	}

	cfg, err := config.NewConfigManager(opts.ConfigPath).Parse()
	if err != nil {
		return importer.Result{}, err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "import"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return importer.Result{}, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return importer.Result{}, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close storage failed", logx.Err(err))
		}
	}()

	r := stdin
	if opts.File != "-" {
		f, err := os.Open(opts.File)
		if err != nil {
			return importer.Result{}, err
		}
		defer f.Close()
		r = f
	}
	return importer.Import(ctx, store, scope, r, importer.Options{Replace: opts.Replace, DryRun: opts.DryRun}, log)
}
