package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/model"
)

// originReport is one origin's log range, with the verified count when
// --verify is given.
type originReport struct {
	cmdlog.OriginStats
	Verified *int64 `json:"verified,omitempty"`
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "log <replica-id>",
		Short: "Inspect a replica's command log",
		Long: `Show, per origin, the index range and size the command log of
<replica-id> retains. With --verify every retained command is read back
and checked.`,
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
			log, err := cmdlog.Open(a.cfg.LogDir(id), id-1, cmdlog.Options{BlockSize: a.cfg.BlockSize, ReadOnly: true})
			if err != nil {
				return fmt.Errorf("open command log: %w", err)
			}
			defer log.Close()

			stats, err := log.Stats()
			if err != nil {
				return err
			}
			reports := make([]originReport, len(stats))
			for i, s := range stats {
				reports[i].OriginStats = s
				if !verify {
					continue
				}
				n, err := verifyOrigin(log, s)
				if err != nil {
					return fmt.Errorf("verify origin %d: %w", s.Origin, err)
				}
				reports[i].Verified = &n
			}
			if a.json {
				return a.printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Fprintln(a.out, "Log is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ORIGIN\tFIRST\tLAST\tBLOCKS\tSIZE\tVERIFIED")
			for _, r := range reports {
				v := "-"
				if r.Verified != nil {
					v = humanize.Comma(*r.Verified)
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\n",
					r.Origin, r.First, r.Last, r.Blocks, humanize.Bytes(uint64(r.Bytes)), v)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "read back every retained command")
	return cmd
}

// verifyOrigin replays the retained range of one origin and checks that
// the indexes are contiguous and carried by the right origin.
func verifyOrigin(log *cmdlog.Log, s cmdlog.OriginStats) (int64, error) {
	want := s.First
	n, err := log.Replay(s.Origin, s.First, func(cmd model.Command) error {
		if cmd.ID.Origin != s.Origin || cmd.ID.Index != want {
			return fmt.Errorf("%w: found %s where %d.%d belongs", cmdlog.ErrCorrupt, cmd.ID, s.Origin, want)
		}
		want++
		return nil
	})
	if err != nil {
		return n, err
	}
	if s.First+n-1 != s.Last {
		return n, fmt.Errorf("%w: read %d commands, expected %d..%d", cmdlog.ErrCorrupt, n, s.First, s.Last)
	}
	return n, nil
}
