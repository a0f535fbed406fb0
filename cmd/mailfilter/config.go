package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/errors"
)

const defaultConfigPath = "mailfilter.toml"

// commandFlags are the flags every subcommand understands.
type commandFlags struct {
	fs         *flag.FlagSet
	configPath *string
	logLevel   *string
}

func newCommandFlags(name, usage string) *commandFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &commandFlags{
		fs:         fs,
		configPath: fs.String("config", defaultConfigPath, "Path to TOML configuration file"),
		logLevel:   fs.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)"),
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "%s\n\nUsage:\n  mailfilter %s [options]\n\nOptions:\n", usage, name)
		fs.PrintDefaults()
	}
	return c
}

func (c *commandFlags) parse(args []string) error {
	if err := c.fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return &errors.GracefulError{Operation: "parse " + c.fs.Name() + " flags", Err: err, Code: errors.ExitUsage}
	}
	return nil
}

// load reads the configuration file over the defaults, applies flag
// overrides and validates the result. A missing default file is not an
// error; a missing file named with -config is.
func (c *commandFlags) load() (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*c.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || isFlagSet(c.fs, "config") {
			return cfg, errors.ConfigError(*c.configPath, err)
		}
		logger.Warn("Configuration file not found, using defaults", "path", *c.configPath)
	}
	if isFlagSet(c.fs, "loglevel") {
		cfg.Logging.Level = *c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.ValidationError("configuration", err)
	}
	return cfg, nil
}

// setupLogging initializes the process logger and returns a function that
// closes the log file, if any.
func setupLogging(cfg config.LoggingConfig) func() {
	logFile, err := logger.Initialize(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: initializing logger: %v\n", err)
	}
	if logFile == nil {
		return func() {}
	}
	return func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: closing log file %s: %v\n", logFile.Name(), err)
		}
	}
}

// parseSet turns a comma separated -set value into an apply set.
func parseSet(value string) (filter.ApplySet, error) {
	set, err := filter.ParseApplySet(strings.Split(value, ","))
	if err != nil {
		return 0, errors.ValidationError("-set", err)
	}
	if set == 0 {
		return 0, errors.ValidationError("-set", fmt.Errorf("no filter set named in %q", value))
	}
	return set, nil
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
