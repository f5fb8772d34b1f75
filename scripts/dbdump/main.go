package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/staykit/staykit/internal/app"
	"github.com/staykit/staykit/internal/dbdump"
)

func main() {
	out := flag.String("out", "", "output file (default backups/db-<timestamp>.sql)")
	commit := flag.Bool("git", false, "git add and commit the dump")
	push := flag.Bool("push", false, "push after committing (implies -git)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := app.LoadDotEnv(".env"); err != nil {
		fail(err)
	}
	url, err := dbdump.DatabaseURL(os.Getenv)
	if err != nil {
		fail(err)
	}
	res, err := dbdump.New(nil, logger).Run(ctx, dbdump.Options{
		DatabaseURL: url,
		Output:      *out,
		Commit:      *commit,
		Push:        *push,
	})
	if err != nil {
		fail(err)
	}
	write(os.Stdout, res)
}

func fail(err error) {
	write(os.Stderr, dbdump.Failure{OK: false, Error: err.Error()})
	os.Exit(1)
}

func write(w io.Writer, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
