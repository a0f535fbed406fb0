package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/mailfilter/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(errors.ExitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1], os.Args[2:])
	stop()
	if err == flag.ErrHelp {
		err = nil
	}
	os.Exit(errors.Report(os.Stderr, err))
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "apply":
		return handleApply(ctx, args, os.Stdin, os.Stdout)
	case "imap":
		return handleIMAP(ctx, args)
	case "s3":
		return handleS3(ctx, args)
	case "serve":
		return handleServe(ctx, args)
	case "sieve":
		return handleSieve(ctx, args, os.Stdout)
	case "migrate":
		return handleMigrate(ctx, args)
	case "version", "--version", "-v":
		fmt.Printf("mailfilter version %s (commit: %s, built at: %s)\n", version, commit, date)
		return nil
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return &errors.GracefulError{
			Operation: "parse command line",
			Err:       fmt.Errorf("unknown command %q", command),
			Code:      errors.ExitUsage,
		}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mailfilter - rule based mail filtering

Usage:
  mailfilter <command> [options]

Commands:
  apply     Filter message files or standard input
  imap      Filter the messages of an IMAP mailbox
  s3        Filter the messages stored in an S3 collection
  serve     Run the HTTP API and metrics endpoint
  sieve     Export the inbound filters as a Sieve script
  migrate   Manage the Postgres schema (up, down, version)
  version   Show version information
  help      Show this help message

Examples:
  mailfilter apply -config /etc/mailfilter.toml message.eml
  mailfilter apply -set outbound -o - - < message.eml
  mailfilter imap -dry-run
  mailfilter s3 -collection archive
  mailfilter sieve -check message.eml
  mailfilter migrate up

Use 'mailfilter <command> -help' for more information about a command.
`)
}
