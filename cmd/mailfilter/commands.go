package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/migadu/mailfilter/cache"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/db"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pkg/errors"
	"github.com/migadu/mailfilter/server/httpapi"
	"github.com/migadu/mailfilter/sieveexport"
	"github.com/migadu/mailfilter/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// inbox is the collection message files are filtered from.
const inbox = "INBOX"

type applyOptions struct {
	Set     filter.ApplySet
	Account string
	Out     string // directory, "-" for standard output, empty for none
	DryRun  bool
}

func handleApply(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cf := newCommandFlags("apply", "Filter message files, or standard input when a file is -")
	setName := cf.fs.String("set", "inbound", "Filter sets to run: inbound, outbound, before_outbound, explicit")
	account := cf.fs.String("account", "", "Account whose filters apply")
	out := cf.fs.String("o", "", "Write filtered messages below this directory, or - for standard output")
	dryRun := cf.fs.Bool("dry-run", false, "Evaluate filters without keeping their changes")
	if err := cf.parse(args); err != nil {
		return err
	}

	inputs := cf.fs.Args()
	if len(inputs) == 0 {
		cf.fs.Usage()
		return &errors.GracefulError{Operation: "apply", Err: fmt.Errorf("no message files given"), Code: errors.ExitUsage}
	}
	if *out == "-" && len(inputs) > 1 {
		return &errors.GracefulError{Operation: "apply", Err: fmt.Errorf("-o - takes a single message"), Code: errors.ExitUsage}
	}
	set, err := parseSet(*setName)
	if err != nil {
		return err
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg.Logging)()

	svc, err := newServices(ctx, cfg, *account)
	if err != nil {
		return err
	}
	defer svc.Close()
	manager, err := svc.manager(ctx)
	if err != nil {
		return err
	}

	report := stdout
	if *out == "-" {
		report = os.Stderr
	}
	opts := applyOptions{Set: set, Account: *account, Out: *out, DryRun: *dryRun}
	return applyFiles(ctx, manager, opts, inputs, stdin, stdout, report)
}

// applyFiles filters each input through an in-memory store and writes the
// results. Copies made by filters stay in that store.
func applyFiles(ctx context.Context, manager *filter.Manager, opts applyOptions, inputs []string, stdin io.Reader, stdout, report io.Writer) error {
	mem := mailstore.NewMemory()
	if env := manager.Env(); env != nil {
		env.Copier = mem
	}
	r := &filter.Runner{Store: mem, Manager: manager, Set: opts.Set, Account: opts.Account, DryRun: opts.DryRun}

	failed := 0
	for _, name := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyFile(ctx, r, mem, opts, name, stdin, stdout, report); err != nil {
			logger.Warn("Cannot filter message", "input", name, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return errors.NewGracefulError("apply", fmt.Errorf("%d of %d messages failed", failed, len(inputs)))
	}
	return nil
}

func applyFile(ctx context.Context, r *filter.Runner, mem *mailstore.Memory, opts applyOptions, name string, stdin io.Reader, stdout, report io.Writer) error {
	var (
		raw []byte
		err error
	)
	if name == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}
	if _, err := message.Parse(raw); err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}

	res, ic, err := r.RunItem(ctx, mem.Add(inbox, raw))
	if err != nil {
		return err
	}
	moveTo, _ := ic.MoveTargetCollection()
	fmt.Fprintln(report, describe(name, res, ic.DeleteItem(), moveTo))
	if opts.Out == "" || ic.DeleteItem() {
		return nil
	}

	content, collection, err := result(mem, ic, raw, opts.DryRun)
	if err != nil {
		return err
	}
	if opts.Out == "-" {
		_, err = stdout.Write(content)
		return err
	}

	base := filepath.Base(name)
	if name == "-" {
		base = "stdin.eml"
	}
	dir := filepath.Join(opts.Out, collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, base), content, 0644)
}

// result returns the filtered message and the collection it ended up in.
// A dry run stores nothing, so the changes are read from the item itself.
func result(mem *mailstore.Memory, ic *item.ItemContext, raw []byte, dryRun bool) ([]byte, string, error) {
	it := ic.Item()
	if !dryRun {
		content, err := mem.Raw(it.Ref())
		return content, it.Collection, err
	}
	collection := it.Collection
	if target, ok := ic.MoveTargetCollection(); ok {
		collection = target
	}
	if ic.NeedsPayloadStore() && it.Message != nil {
		return it.Message.RawEncodedContent(), collection, nil
	}
	return raw, collection, nil
}

func handleIMAP(ctx context.Context, args []string) error {
	cf := newCommandFlags("imap", "Filter the messages of an IMAP mailbox")
	setName := cf.fs.String("set", "inbound", "Filter sets to run")
	account := cf.fs.String("account", "", "Account whose filters apply (default: the IMAP user)")
	mailbox := cf.fs.String("mailbox", "", "Mailbox to filter (overrides config)")
	dryRun := cf.fs.Bool("dry-run", false, "Evaluate filters without changing the mailbox (overrides config)")
	if err := cf.parse(args); err != nil {
		return err
	}
	set, err := parseSet(*setName)
	if err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if isFlagSet(cf.fs, "mailbox") {
		cfg.IMAP.Mailbox = *mailbox
	}
	if isFlagSet(cf.fs, "dry-run") {
		cfg.IMAP.DryRun = *dryRun
	}
	if cfg.IMAP.Addr == "" {
		return errors.ValidationError("imap.addr", fmt.Errorf("an IMAP server address is required"))
	}
	if !isFlagSet(cf.fs, "account") {
		*account = cfg.IMAP.User
	}
	defer setupLogging(cfg.Logging)()

	svc, err := newServices(ctx, cfg, *account)
	if err != nil {
		return err
	}
	defer svc.Close()

	client, err := mailstore.DialIMAP(cfg.IMAP)
	if err != nil {
		return errors.NewGracefulError("connect to IMAP server", err)
	}
	defer client.Close()
	if svc.local != nil {
		client.SetTagRegistry(svc.local)
	}

	var st mailstore.Store = client
	if svc.cache != nil {
		st = cache.NewStore(client, svc.cache)
	}
	return runCollection(ctx, svc, st, set, cfg.IMAP.GetMailbox(), cfg.IMAP.DryRun)
}

func handleS3(ctx context.Context, args []string) error {
	cf := newCommandFlags("s3", "Filter the messages stored in an S3 collection")
	setName := cf.fs.String("set", "inbound", "Filter sets to run")
	account := cf.fs.String("account", "", "Account whose filters apply")
	collection := cf.fs.String("collection", inbox, "Collection to filter")
	dryRun := cf.fs.Bool("dry-run", false, "Evaluate filters without changing stored objects")
	if err := cf.parse(args); err != nil {
		return err
	}
	set, err := parseSet(*setName)
	if err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg.Logging)()

	objects, err := storage.NewFromConfig(cfg.S3)
	if err != nil {
		return errors.ValidationError("s3", err)
	}

	svc, err := newServices(ctx, cfg, *account)
	if err != nil {
		return err
	}
	defer svc.Close()

	var st mailstore.Store = storage.NewMailStore(objects, cfg.S3.Prefix)
	if svc.cache != nil {
		st = cache.NewStore(st, svc.cache)
	}
	return runCollection(ctx, svc, st, set, *collection, *dryRun)
}

func runCollection(ctx context.Context, svc *services, st mailstore.Store, set filter.ApplySet, collection string, dryRun bool) error {
	manager, err := svc.manager(ctx)
	if err != nil {
		return err
	}
	svc.env.Copier = st

	r := &filter.Runner{Store: st, Manager: manager, Set: set, Account: svc.account, DryRun: dryRun}
	start := time.Now()
	rep, err := r.RunCollection(ctx, collection)
	logger.Info("Filtering finished", "store", st.Name(), "collection", collection,
		"processed", rep.Processed, "matched", rep.Matched, "failed", rep.Failed,
		"deleted", rep.Deleted, "moved", rep.Moved, "stored", rep.Stored, "duration", time.Since(start))
	fmt.Printf("%s/%s: processed=%d matched=%d deleted=%d moved=%d stored=%d failed=%d\n",
		st.Name(), collection, rep.Processed, rep.Matched, rep.Deleted, rep.Moved, rep.Stored, rep.Failed)
	if err != nil {
		return errors.NewGracefulError("filter "+collection, err)
	}
	if rep.Failed > 0 {
		return errors.NewGracefulError("filter "+collection, fmt.Errorf("%d of %d items failed", rep.Failed, rep.Processed))
	}
	return nil
}

func handleServe(ctx context.Context, args []string) error {
	cf := newCommandFlags("serve", "Run the HTTP API and metrics endpoint")
	account := cf.fs.String("account", "", "Account whose filters apply")
	if err := cf.parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if !cfg.HTTPAPI.Start && !cfg.Metrics.Enabled {
		return errors.ValidationError("http_api", fmt.Errorf("neither http_api nor metrics is enabled"))
	}
	maxBodySize, err := cfg.HTTPAPI.GetMaxBodySize()
	if err != nil {
		return errors.ValidationError("http_api.max_body_size", err)
	}
	defer setupLogging(cfg.Logging)()
	logger.Info("mailfilter starting", "version", version, "commit", commit, "built", date)

	svc, err := newServices(ctx, cfg, *account)
	if err != nil {
		return err
	}
	defer svc.Close()
	manager, err := svc.manager(ctx)
	if err != nil {
		return err
	}

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	if cfg.HTTPAPI.Start {
		options := httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKeyHash:   cfg.HTTPAPI.APIKeyHash,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Manager:      manager,
			Cache:        svc.cache,
			MaxBodySize:  maxBodySize,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}
		if svc.history != nil {
			options.History = svc.history
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			httpapi.Start(ctx, options, errChan)
		}()
	}

	// The API serves /metrics itself; a separate listener is only needed on
	// another address.
	if cfg.Metrics.Enabled && (!cfg.HTTPAPI.Start || cfg.Metrics.Addr != cfg.HTTPAPI.Addr) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for servers to stop")
		wg.Wait()
		return nil
	case err := <-errChan:
		return errors.NewGracefulError("serve", err)
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func handleSieve(ctx context.Context, args []string, stdout io.Writer) error {
	cf := newCommandFlags("sieve", "Export the inbound filters as a Sieve script")
	account := cf.fs.String("account", "", "Account whose filters are exported")
	out := cf.fs.String("o", "", "Write the script to this file instead of standard output")
	check := cf.fs.String("check", "", "Run the script against this message file and print the outcome instead of the script")
	from := cf.fs.String("from", "", "Envelope sender used with -check")
	to := cf.fs.String("to", "", "Envelope recipient used with -check")
	if err := cf.parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg.Logging)()

	var database *db.Database
	if *account != "" && cfg.Database.IsEnabled() {
		if database, err = db.NewDatabaseFromConfig(ctx, &cfg.Database); err != nil {
			return errors.NewGracefulError("connect to database", err)
		}
		defer database.Close()
	}
	filters, err := loadFilters(ctx, cfg, database, *account)
	if err != nil {
		return err
	}

	script, err := sieveexport.Export(filters)
	if err != nil {
		return errors.NewGracefulError("export sieve script", err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(script), 0644); err != nil {
			return errors.NewGracefulError("write sieve script", err)
		}
	} else if *check == "" {
		if _, err := io.WriteString(stdout, script); err != nil {
			return err
		}
	}
	if *check == "" {
		return nil
	}

	raw, err := os.ReadFile(*check)
	if err != nil {
		return errors.NewGracefulError("read message", err)
	}
	return checkScript(ctx, script, raw, sieveexport.Envelope{From: *from, To: *to, Auth: *account}, stdout)
}

// checkScript evaluates script for raw and prints the outcome.
func checkScript(ctx context.Context, script string, raw []byte, env sieveexport.Envelope, w io.Writer) error {
	msg, err := message.Parse(raw)
	if err != nil {
		return errors.NewGracefulError("parse message", err)
	}
	executor, err := sieveexport.NewExecutor(script, sieveexport.Extensions)
	if err != nil {
		return errors.NewGracefulError("load sieve script", err)
	}
	res, err := executor.Evaluate(ctx, env, msg)
	if err != nil {
		return errors.NewGracefulError("evaluate sieve script", err)
	}

	fmt.Fprintf(w, "action: %s\n", res.Action)
	if res.Mailbox != "" {
		fmt.Fprintf(w, "mailbox: %s\n", res.Mailbox)
	}
	if res.RedirectTo != "" {
		fmt.Fprintf(w, "redirect: %s\n", res.RedirectTo)
	}
	if res.Copy {
		fmt.Fprintln(w, "keep copy: yes")
	}
	if len(res.Flags) > 0 {
		fmt.Fprintf(w, "flags: %v\n", res.Flags)
	}
	for _, edit := range res.HeaderEdits {
		fmt.Fprintf(w, "header %s: %s %s\n", edit.Action, edit.FieldName, edit.Value)
	}
	return nil
}
