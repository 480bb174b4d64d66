package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/store"
)

// replicaStatus is what status reports for one replica's data directory.
type replicaStatus struct {
	Replica    int                  `json:"replica"`
	Replicas   int                  `json:"replicas"`
	Checkpoint store.Summary        `json:"checkpoint"`
	Collected  []int64              `json:"collected_through"`
	Log        []cmdlog.OriginStats `json:"log"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <replica-id>",
		Short: "Summarize a replica's stored state",
		Long: `Summarize the checkpoint, collection points and command log held in the
data directory of <replica-id>. Safe to run while the server is up.`,
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
			s, err := a.replicaStatus(id)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(s)
			}
			a.printStatus(s)
			return nil
		},
	}
}

func (a *app) replicaStatus(id int) (*replicaStatus, error) {
	path := a.cfg.StorePath(id)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("replica %d has no data in %s", id, a.cfg.ReplicaDir(id))
	}
	st, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	defer st.Close()

	s := &replicaStatus{Replica: id, Replicas: a.cfg.Replicas}
	if s.Checkpoint, err = st.Summarize(); err != nil {
		return nil, fmt.Errorf("summarize checkpoint: %w", err)
	}
	if s.Collected, err = st.LoadWatermark(a.cfg.Replicas); err != nil {
		return nil, fmt.Errorf("load collection points: %w", err)
	}
	log, err := cmdlog.Open(a.cfg.LogDir(id), id-1, cmdlog.Options{BlockSize: a.cfg.BlockSize, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open command log: %w", err)
	}
	defer log.Close()
	if s.Log, err = log.Stats(); err != nil {
		return nil, fmt.Errorf("command log: %w", err)
	}
	return s, nil
}

func (a *app) printStatus(s *replicaStatus) {
	w := a.out
	fmt.Fprintf(w, "Replica %d of %d\n", s.Replica, s.Replicas)
	cp := s.Checkpoint
	if !cp.Found {
		fmt.Fprintln(w, "Checkpoint: none")
	} else {
		fmt.Fprintf(w, "Checkpoint: %s (%s)\n", humanize.Time(cp.Taken), cp.Taken.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  Messages: %s for %s\n", humanize.Comma(cp.Entries), plural(cp.Users, "user"))
		fmt.Fprintf(w, "  Pending:  %d read, %d delete\n", cp.PendingRead, cp.PendingDelete)
		fmt.Fprintf(w, "  Deleted:  %s\n", humanize.Comma(cp.Deleted))
	}
	fmt.Fprintf(w, "Collected through: %v\n", s.Collected)
	if len(s.Log) == 0 {
		fmt.Fprintln(w, "Log: empty")
		return
	}
	var blocks int
	var size int64
	for _, o := range s.Log {
		blocks += o.Blocks
		size += o.Bytes
	}
	fmt.Fprintf(w, "Log: %s, %s\n", plural(int64(blocks), "block"), humanize.Bytes(uint64(size)))
}
