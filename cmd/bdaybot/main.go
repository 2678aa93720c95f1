package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bdaybot/internal/app"
	"bdaybot/internal/config"
)

// shutdownTimeout stays under systemd's default TimeoutStopSec (90s) and leaves
// room for an announcement tick that is still retrying sends.
const shutdownTimeout = 60 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "import" {
		os.Exit(runImport(os.Args[2:]))
	}

	var cfgPath, envFiles string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml); empty for environment only")
	flag.StringVar(&envFiles, "env", ".env", "comma-separated dotenv files loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(strings.Split(envFiles, ",")...); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(app.Options{ConfigPath: cfgPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	var opts app.ImportOptions
	var envFiles string
	fs.StringVar(&opts.ConfigPath, "config", "./config.yaml", "path to config file")
	fs.StringVar(&envFiles, "env", ".env", "comma-separated dotenv files")
	fs.StringVar(&opts.Scope, "scope", "", "chat ID to import into (required)")
	fs.BoolVar(&opts.Replace, "replace", false, "remove birthdays of the scope that are not in the file")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "parse and report without writing")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: bdaybot import -scope <chat id> [-replace] [-dry-run] <file.vcf|->")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	opts.File = fs.Arg(0)

	if err := config.LoadDotEnv(strings.Split(envFiles, ",")...); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := app.RunImport(ctx, opts, os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import failed:", err)
		return 1
	}
	fmt.Printf("cards=%d imported=%d skipped=%d removed=%d dry_run=%t\n", res.Cards, res.Imported, res.Skipped, res.Removed, opts.DryRun)
	return 0
}
