package actions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

var (
	partPlaceholder   = regexp.MustCompile(`%([0-9-]+)`)
	headerPlaceholder = regexp.MustCompile(`%\{([A-Za-z0-9_-]+)\}`)
)

// substitute expands the placeholders of a command line:
//
//	%n                     MIME leaf part n written to a temp file, %-1 is the whole message
//	%{itemurl}, %{itemid}  the item's URL and id
//	%{header}              the value of a header field
//
// Every substituted value is shell quoted.
func substitute(commandLine string, it *item.Item, tmp filterenv.TempFiles) (string, error) {
	var parts [][]byte
	partsLoaded := false
	files := make(map[int]string)
	var writeErr error

	commandLine = partPlaceholder.ReplaceAllStringFunc(commandLine, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < -1 || writeErr != nil {
			return m
		}
		if path, ok := files[n]; ok {
			return helpers.ShellQuote(path)
		}

		var data []byte
		if n == -1 {
			data = it.Message.RawEncodedContent()
		} else {
			if !partsLoaded {
				parts, _ = it.Message.Parts()
				partsLoaded = true
			}
			if n < len(parts) {
				data = parts[n]
			}
		}
		path, err := tmp.Write(fmt.Sprintf("part-%d", n+1), data)
		if err != nil {
			writeErr = err
			return m
		}
		files[n] = path
		return helpers.ShellQuote(path)
	})
	if writeErr != nil {
		return "", writeErr
	}

	// Item placeholders go after the part numbers so percent escapes in a URL
	// are left alone, and before headers so they are not read as header names.
	commandLine = strings.ReplaceAll(commandLine, "%{itemurl}", helpers.ShellQuote(it.URL))
	commandLine = strings.ReplaceAll(commandLine, "%{itemid}", helpers.ShellQuote(it.ID))

	commandLine = headerPlaceholder.ReplaceAllStringFunc(commandLine, func(m string) string {
		name := m[2 : len(m)-1]
		value, _ := it.Message.HeaderByName(name)
		return helpers.ShellQuote(value)
	})
	return commandLine, nil
}

// runCommand substitutes and runs the command, cleaning up temp files on
// every path.
func runCommand(ctx context.Context, env *filterenv.Env, action string, command CommandParam, it *item.Item) (ReturnCode, []byte) {
	if env == nil || env.Commands == nil {
		logger.Warn("ACTIONS: no command runner configured", "action", action)
		return ErrorButGoOn, nil
	}
	tmp, err := env.Commands.TempFiles()
	if err != nil {
		logger.Error("ACTIONS: cannot create temporary directory", "action", action, "error", err)
		return CriticalError, nil
	}
	defer func() {
		if err := tmp.Cleanup(); err != nil {
			logger.Warn("ACTIONS: cannot remove temporary files", "action", action, "error", err)
		}
	}()

	commandLine, err := substitute(command.Value, it, tmp)
	if err != nil {
		logger.Error("ACTIONS: cannot write temporary file", "action", action, "error", err)
		return CriticalError, nil
	}
	if strings.TrimSpace(commandLine) == "" {
		return ErrorButGoOn, nil
	}

	exitCode, stdout, err := env.Commands.Run(ctx, commandLine, it.Message.RawEncodedContent())
	if err != nil {
		metrics.CommandsRun.WithLabelValues("error").Inc()
		logger.Warn("ACTIONS: command failed to run", "action", action, "command", commandLine, "error", err)
		return ErrorButGoOn, nil
	}
	if exitCode != 0 {
		metrics.CommandsRun.WithLabelValues("nonzero").Inc()
		logger.Warn("ACTIONS: command exited with error", "action", action, "command", commandLine, "exit_code", exitCode)
		return ErrorButGoOn, nil
	}
	metrics.CommandsRun.WithLabelValues("ok").Inc()
	return GoOn, stdout
}

// Exec runs a command with the message on stdin and ignores its output.
type Exec struct {
	base
	Command CommandParam
}

func NewExec() *Exec {
	return &Exec{base: base{name: "execute", label: "Execute Command"}}
}

func (a *Exec) IsEmpty() bool                     { return a.Command.IsEmpty() }
func (a *Exec) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *Exec) ArgsFromString(args string)        { a.Command.FromString(args) }
func (a *Exec) ArgsAsString() string              { return a.Command.String() }

func (a *Exec) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	code, _ := runCommand(ctx, env, a.Name(), a.Command, ic.Item())
	return code
}

// PipeThrough replaces the message with the output of a command that reads
// it on stdin.
type PipeThrough struct {
	base
	Command CommandParam
}

func NewPipeThrough() *PipeThrough {
	return &PipeThrough{base: base{name: "filter app", label: "Pipe Through"}}
}

func (a *PipeThrough) IsEmpty() bool                     { return a.Command.IsEmpty() }
func (a *PipeThrough) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *PipeThrough) ArgsFromString(args string)        { a.Command.FromString(args) }
func (a *PipeThrough) ArgsAsString() string              { return a.Command.String() }

func (a *PipeThrough) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	it := ic.Item()
	code, stdout := runCommand(ctx, env, a.Name(), a.Command, it)
	if code != GoOn {
		return code
	}
	if len(stdout) == 0 {
		logger.Warn("ACTIONS: command produced no output", "action", a.Name(), "item", it.Ref())
		return ErrorButGoOn
	}

	uid, hadUID := it.Message.HeaderByName("X-UID")
	if err := it.Message.SetContent(stdout); err != nil {
		return ErrorButGoOn
	}
	if hadUID {
		if newUID, ok := it.Message.HeaderByName("X-UID"); !ok || newUID != uid {
			it.Message.SetHeader("X-UID", uid)
		}
	}
	it.Message.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}
