package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daviddao/replimail/pkg/config"
	"github.com/daviddao/replimail/pkg/model"
)

// rootOptions are the flags every subcommand shares.
type rootOptions struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// app holds what a subcommand needs once flags are parsed.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
	json   bool
}

// newApp loads the configuration and builds the process logger. The logger
// writes to the command's stderr.
func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	if opts.configPath != "" {
		if err := os.Setenv("REPLIMAIL_CONFIG", opts.configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), json: opts.jsonOut}, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// replicaArg parses a 1-based replica id and checks it against the
// configured cluster size.
func (a *app) replicaArg(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, usageErrorf("replica id %q is not a number", arg)
	}
	if err := a.cfg.CheckReplica(id); err != nil {
		return 0, &usageError{err: err}
	}
	return id, nil
}

// parseCommandID reads the origin.index form printed by CommandID.String.
func parseCommandID(s string) (model.CommandID, error) {
	o, i, ok := strings.Cut(s, ".")
	if !ok {
		return model.CommandID{}, usageErrorf("message id %q: want origin.index", s)
	}
	origin, err := strconv.Atoi(o)
	if err != nil || origin < 0 {
		return model.CommandID{}, usageErrorf("message id %q: bad origin", s)
	}
	index, err := strconv.ParseInt(i, 10, 64)
	if err != nil || index < 1 {
		return model.CommandID{}, usageErrorf("message id %q: bad index", s)
	}
	return model.CommandID{Origin: origin, Index: index}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func plural(n int64, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
