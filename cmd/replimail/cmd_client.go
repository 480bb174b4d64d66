package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/daviddao/replimail/pkg/client"
	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/transport/wsnet"
)

// clientOptions are the flags of the commands that talk to a replica.
type clientOptions struct {
	*rootOptions
	user    string
	server  int
	timeout time.Duration
}

func newClientOptions(root *rootOptions, cmd *cobra.Command) *clientOptions {
	o := &clientOptions{rootOptions: root}
	f := cmd.Flags()
	f.StringVarP(&o.user, "user", "u", envOr("REPLIMAIL_USER", ""), "username (default $REPLIMAIL_USER)")
	f.IntVarP(&o.server, "server", "s", envInt("REPLIMAIL_SERVER", 1), "replica to connect to (default $REPLIMAIL_SERVER or 1)")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "give up after this long")
	return o
}

// session connects to the chosen replica, runs fn and disconnects.
func (o *clientOptions) session(cmd *cobra.Command, fn func(context.Context, *app, *client.Client) error) error {
	if o.user == "" {
		return usageErrorf("no username: pass --user or set REPLIMAIL_USER")
	}
	a, err := newApp(cmd, o.rootOptions)
	if err != nil {
		return err
	}
	if err := a.cfg.CheckReplica(o.server); err != nil {
		return &usageError{err: err}
	}
	ctx, stop := signalContext(cmd)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	conn, err := wsnet.Dial(ctx, a.cfg.Daemon.URL, "")
	if err != nil {
		return fmt.Errorf("dial daemon %s: %w", a.cfg.Daemon.URL, err)
	}
	defer conn.Close()

	c := client.New(conn, o.user)
	if err := c.Connect(ctx, o.server); err != nil {
		return fmt.Errorf("connect to replica %d: %w", o.server, err)
	}
	defer c.Disconnect()
	a.logger.Debug("connected", "server", o.server, "session", c.Session())
	return fn(ctx, a, c)
}

func newMailCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mail <to> <subject> [body]",
		Short: "Send a message",
		Long: `Send a message to <to>. Without a body argument the body is read from
standard input unless it is a terminal.`,
		Args: cobra.RangeArgs(2, 3),
	}
	o := newClientOptions(root, cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		body := ""
		if len(args) == 3 {
			body = args[2]
		} else {
			b, err := readBody(cmd.InOrStdin())
			if err != nil {
				return err
			}
			body = b
		}
		return o.session(cmd, func(ctx context.Context, a *app, c *client.Client) error {
			id, err := c.Mail(ctx, args[0], args[1], body)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(map[string]any{"id": id, "to": args[0]})
			}
			fmt.Fprintf(a.out, "sent %s to %s\n", id, args[0])
			return nil
		})
	}
	return cmd
}

func readBody(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "", nil
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func newInboxCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List your messages",
		Args:  cobra.NoArgs,
	}
	o := newClientOptions(root, cmd)
	var bodies bool
	cmd.Flags().BoolVar(&bodies, "body", false, "print message bodies")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return o.session(cmd, func(ctx context.Context, a *app, c *client.Client) error {
			entries, err := c.Inbox(ctx)
			if err != nil {
				return err
			}
			if a.json {
				if entries == nil {
					entries = []model.InboxEntry{}
				}
				return a.printJSON(entries)
			}
			printInbox(a.out, entries, bodies)
			return nil
		})
	}
	return cmd
}

func printInbox(w io.Writer, entries []model.InboxEntry, bodies bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tSENT\tSUBJECT")
	for _, e := range entries {
		id := e.ID.String()
		if !e.Read {
			id += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, e.From, humanize.Time(e.SentAt), e.Subject)
		if bodies && e.Body != "" {
			fmt.Fprintf(tw, "\t\t\t%s\n", strings.ReplaceAll(e.Body, "\n", " "))
		}
	}
	tw.Flush()
}

func newReadCommand(root *rootOptions) *cobra.Command {
	return newTargetCommand(root, "read", "Mark a message read", (*client.Client).Read)
}

func newDeleteCommand(root *rootOptions) *cobra.Command {
	return newTargetCommand(root, "delete", "Delete a message", (*client.Client).Delete)
}

func newTargetCommand(root *rootOptions, verb, short string,
	do func(*client.Client, context.Context, model.CommandID) (model.CommandID, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <message-id>",
		Short: short,
		Long:  short + ". <message-id> is the origin.index shown by inbox.",
		Args:  cobra.ExactArgs(1),
	}
	o := newClientOptions(root, cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		target, err := parseCommandID(args[0])
		if err != nil {
			return err
		}
		return o.session(cmd, func(ctx context.Context, a *app, c *client.Client) error {
			id, err := do(c, ctx, target)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(map[string]any{"id": id, "target": target})
			}
			fmt.Fprintf(a.out, "%s %s (command %s)\n", verb, target, id)
			return nil
		})
	}
	return cmd
}

func newComponentCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "component",
		Short: "Show which replicas the server currently reaches",
		Args:  cobra.NoArgs,
	}
	o := newClientOptions(root, cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return o.session(cmd, func(ctx context.Context, a *app, c *client.Client) error {
			replicas, err := c.Component(ctx)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(map[string]any{"server": c.Server(), "replicas": replicas})
			}
			ids := make([]string, len(replicas))
			for i, r := range replicas {
				ids[i] = fmt.Sprint(r)
			}
			fmt.Fprintf(a.out, "replica %d reaches %s of %d: %s\n",
				c.Server(), plural(int64(len(replicas)), "replica"), a.cfg.Replicas, strings.Join(ids, " "))
			return nil
		})
	}
	return cmd
}
