// Package runner runs the external commands of exec-style filter actions
// and plays notification sounds.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/logger"
)

// Shell runs command lines through "<shell> -c".
type Shell struct {
	shell   string
	timeout time.Duration
	tempDir string
	sound   string
}

func New(cfg config.CommandsConfig) (*Shell, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid command timeout: %w", err)
	}
	return &Shell{
		shell:   cfg.GetShell(),
		timeout: timeout,
		tempDir: cfg.TempDir,
		sound:   cfg.SoundPlayer,
	}, nil
}

// Run feeds stdin to the command and returns its exit code and stdout.
// A non-zero exit is not an error; failing to start or being killed by
// the timeout is.
func (s *Shell) Run(ctx context.Context, commandLine string, stdin []byte) (int, []byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.shell, "-c", commandLine)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the shell may keep the pipes open after it is killed.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, nil, fmt.Errorf("command %q: %w", commandLine, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.Debug("RUNNER: command exited with error", "command", commandLine,
			"exit_code", exitErr.ExitCode(), "stderr", strings.TrimSpace(stderr.String()))
		return exitErr.ExitCode(), stdout.Bytes(), nil
	}
	if err != nil {
		return -1, nil, fmt.Errorf("command %q: %w", commandLine, err)
	}
	logger.Debug("RUNNER: command finished", "command", commandLine, "duration", time.Since(start), "stdout_bytes", stdout.Len())
	return 0, stdout.Bytes(), nil
}

// TempFiles creates a private directory under the configured temp dir.
func (s *Shell) TempFiles() (filterenv.TempFiles, error) {
	dir, err := os.MkdirTemp(s.tempDir, "mailfilter-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempDir{dir: dir}, nil
}

// TempDir holds the files of one command invocation.
type TempDir struct {
	dir string
}

func (t *TempDir) Dir() string { return t.dir }

// Write stores data under name, readable only by the current user, and
// returns the full path.
func (t *TempDir) Write(name string, data []byte) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid temp file name %q", name)
	}
	path := filepath.Join(t.dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (t *TempDir) Cleanup() error {
	return os.RemoveAll(t.dir)
}

// Play runs the configured sound player with %f replaced by the quoted
// file name. Without a player the call only logs.
func (s *Shell) Play(ctx context.Context, file string) error {
	if s.sound == "" {
		logger.Debug("RUNNER: no sound player configured", "file", file)
		return nil
	}
	line := strings.ReplaceAll(s.sound, "%f", helpers.ShellQuote(file))
	if !strings.Contains(s.sound, "%f") {
		line += " " + helpers.ShellQuote(file)
	}
	code, _, err := s.Run(ctx, line, nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("sound player exited with %d", code)
	}
	return nil
}

var (
	_ filterenv.CommandRunner = (*Shell)(nil)
	_ filterenv.SoundPlayer   = (*Shell)(nil)
)
