package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/replica"
	"github.com/daviddao/replimail/pkg/store"
	"github.com/daviddao/replimail/pkg/transport/wsnet"
	"github.com/daviddao/replimail/pkg/wire"
)

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the group-communication daemon",
		Long: `Run the daemon every server and client connects to. It delivers
group messages in order and announces membership views.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = a.cfg.Daemon.Listen
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			d := wsnet.NewDaemon(a.logger)
			if err := d.ListenAndServe(ctx, listen); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to bind (default daemon.listen)")
	return cmd
}

func newServerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server <replica-id>",
		Short: "Run one replica",
		Long: `Run replica <replica-id> (1..replicas). The replica recovers from its
data directory, dials the daemon and serves until interrupted, writing a
final checkpoint on the way out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			id, err := a.replicaArg(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return a.runServer(ctx, id)
		},
	}
}

func (a *app) runServer(ctx context.Context, id int) error {
	if err := os.MkdirAll(a.cfg.ReplicaDir(id), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	log, err := cmdlog.Open(a.cfg.LogDir(id), id-1, cmdlog.Options{
		BlockSize: a.cfg.BlockSize,
		Sync:      a.cfg.SyncWrites,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("open command log: %w", err)
	}
	defer log.Close()

	st, err := store.New(a.cfg.StorePath(id))
	if err != nil {
		return fmt.Errorf("open store %q: %w", a.cfg.StorePath(id), err)
	}
	defer st.Close()

	conn, err := wsnet.Dial(ctx, a.cfg.Daemon.URL, wire.ReplicaMember(id))
	if err != nil {
		return fmt.Errorf("dial daemon %s: %w", a.cfg.Daemon.URL, err)
	}
	defer conn.Close()

	r, err := replica.New(replica.ConfigFrom(&a.cfg, id), conn, log, st, replica.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	runErr := r.Run(ctx)
	if err := r.Close(); err != nil {
		return errors.Join(runErr, err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
