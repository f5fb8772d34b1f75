// Package dbdump produces a local SQL dump of the database and can commit it
// to the surrounding git repository.
package dbdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Dump methods reported in Result.Method.
const (
	MethodPGDump   = "pg_dump"
	MethodSupabase = "supabase"
)

var (
	// ErrNoDatabaseURL is returned when neither SUPABASE_DB_URL nor DATABASE_URL is set.
	ErrNoDatabaseURL = errors.New("dbdump: SUPABASE_DB_URL or DATABASE_URL must be set")
	// ErrNoDumpTool is returned when both dump tools failed or are missing.
	ErrNoDumpTool = errors.New("dbdump: pg_dump and supabase both failed")
)

// Runner executes an external command. Stdout is written to out.
type Runner interface {
	Run(ctx context.Context, out io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Options configures one dump.
type Options struct {
	DatabaseURL string
	// Output is the target file; empty means backups/db-<timestamp>.sql.
	Output string
	// Commit adds and commits the dump; Push also pushes the commit.
	Commit bool
	Push   bool
}

// GitResult reports what happened in the repository.
type GitResult struct {
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	Message   string `json:"message,omitempty"`
}

// Result is the success payload.
type Result struct {
	OK     bool       `json:"ok"`
	Output string     `json:"output"`
	Method string     `json:"method"`
	Git    *GitResult `json:"git"`
}

// Failure is the error payload.
type Failure struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Dumper runs dumps.
type Dumper struct {
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Dumper. A nil runner uses ExecRunner.
func New(runner Runner, logger *slog.Logger) *Dumper {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dumper{runner: runner, logger: logger, now: time.Now}
}

// DatabaseURL picks SUPABASE_DB_URL first and DATABASE_URL second.
func DatabaseURL(getenv func(string) string) (string, error) {
	for _, key := range []string{"SUPABASE_DB_URL", "DATABASE_URL"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v, nil
		}
	}
	return "", ErrNoDatabaseURL
}

// DefaultOutput is the dump path used when Options.Output is empty.
func DefaultOutput(t time.Time) string {
	return filepath.Join("backups", fmt.Sprintf("db-%s.sql", t.UTC().Format("20060102-150405")))
}

// Run dumps the database to a file, trying pg_dump first and the supabase
// CLI second, then optionally commits the file.
func (d *Dumper) Run(ctx context.Context, opts Options) (Result, error) {
	if opts.DatabaseURL == "" {
		return Result{}, ErrNoDatabaseURL
	}
	output := opts.Output
	if output == "" {
		output = DefaultOutput(d.now())
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return Result{}, fmt.Errorf("dbdump: create output dir: %w", err)
	}

	method, err := d.dump(ctx, opts.DatabaseURL, output)
	if err != nil {
		return Result{}, err
	}
	result := Result{OK: true, Output: output, Method: method}
	if opts.Commit || opts.Push {
		git, err := d.commit(ctx, output, opts.Push)
		if err != nil {
			return Result{}, err
		}
		result.Git = &git
	}
	return result, nil
}

func (d *Dumper) dump(ctx context.Context, url, output string) (string, error) {
	attempts := []struct {
		method string
		name   string
		args   []string
	}{
		{MethodPGDump, "pg_dump", []string{"--no-owner", "--no-privileges", "--dbname", url}},
		{MethodSupabase, "supabase", []string{"db", "dump", "--db-url", url}},
	}
	var errs []error
	for _, a := range attempts {
		err := d.writeFile(output, func(w io.Writer) error {
			return d.runner.Run(ctx, w, a.name, a.args...)
		})
		if err == nil {
			return a.method, nil
		}
		d.logger.Warn("dump attempt failed", slog.String("method", a.method), slog.Any("error", err))
		errs = append(errs, err)
	}
	return "", fmt.Errorf("%w: %w", ErrNoDumpTool, errors.Join(errs...))
}

// writeFile streams into a temporary file and renames it over output only
// when fill succeeds.
func (d *Dumper) writeFile(output string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(output), ".dump-*.sql")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), output)
}

func (d *Dumper) commit(ctx context.Context, output string, push bool) (GitResult, error) {
	message := fmt.Sprintf("chore(db): dump %s", filepath.Base(output))
	if err := d.runner.Run(ctx, io.Discard, "git", "add", "--", output); err != nil {
		return GitResult{}, fmt.Errorf("dbdump: git add: %w", err)
	}
	if err := d.runner.Run(ctx, io.Discard, "git", "commit", "-m", message, "--", output); err != nil {
		return GitResult{}, fmt.Errorf("dbdump: git commit: %w", err)
	}
	res := GitResult{Committed: true, Message: message}
	if push {
		if err := d.runner.Run(ctx, io.Discard, "git", "push"); err != nil {
			return GitResult{}, fmt.Errorf("dbdump: git push: %w", err)
		}
		res.Pushed = true
	}
	return res, nil
}
