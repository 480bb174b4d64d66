// Package replica is the replication engine of one replimail server.
//
// A Replica owns everything replicated on its server: the knowledge matrix,
// the command log, the mailbox state, per-origin command queues for
// re-sending, the client session table and the view-synchronization state.
// There are no globals; several replicas can share a process.
//
// All state is mutated by one event loop (Run, or Step in tests). Events are
// consumed strictly in transport order:
//
//	peer COMMAND     -> apply if it is the next index of its origin
//	peer KNOWLEDGE   -> merge, maybe collect garbage
//	peer view change -> synchronize (see viewsync.go)
//	client request   -> route (see router.go)
//
// Every applied command goes to the log before it touches memory, and a
// checkpoint is written every Config.CheckpointEvery applies, so Recover can
// rebuild the state from the last checkpoint plus the log tail.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/config"
	"github.com/daviddao/replimail/pkg/knowledge"
	"github.com/daviddao/replimail/pkg/mailbox"
	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/session"
	"github.com/daviddao/replimail/pkg/store"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// ErrSyncAborted is returned when a view synchronization restarts more
// often than Config.MaxSyncAttempts allows.
var ErrSyncAborted = errors.New("view synchronization aborted")

// Config is the per-replica slice of the deployment configuration.
type Config struct {
	// ID is the 1-based replica id; its matrix index is ID-1.
	ID              int
	Replicas        int
	CheckpointEvery int
	GossipEvery     int
	GCEvery         int
	MaxSyncAttempts int
}

// ConfigFrom extracts replica id's configuration.
func ConfigFrom(c *config.Config, id int) Config {
	return Config{
		ID:              id,
		Replicas:        c.Replicas,
		CheckpointEvery: c.CheckpointEvery,
		GossipEvery:     c.GossipEvery,
		GCEvery:         c.GCEvery,
		MaxSyncAttempts: c.MaxSyncAttempts,
	}
}

func (c Config) validate() error {
	switch {
	case c.Replicas < 1 || c.Replicas > wire.MaxReplicas:
		return fmt.Errorf("replicas %d out of range", c.Replicas)
	case c.ID < 1 || c.ID > c.Replicas:
		return fmt.Errorf("replica id %d outside [1, %d]", c.ID, c.Replicas)
	case c.CheckpointEvery < 1:
		return errors.New("checkpoint interval must be positive")
	case c.GCEvery < 1:
		return errors.New("gc interval must be positive")
	}
	return nil
}

// State is the view-synchronization state.
type State int

const (
	Stable State = iota
	Synchronizing
	WaitingForQuorum
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Synchronizing:
		return "synchronizing"
	case WaitingForQuorum:
		return "waiting-for-quorum"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Replica.
type Option func(*Replica)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) { r.logger = l }
}

// WithClock sets the clock that stamps originated commands.
func WithClock(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// Replica is one replimail server. Not goroutine-safe: every method except
// the accessors must be called from the goroutine running the event loop.
type Replica struct {
	cfg    Config
	self   int
	tr     transport.Transport
	log    *cmdlog.Log
	st     store.StoreInterface
	logger *slog.Logger
	now    func() time.Time

	k        *knowledge.Matrix
	mail     *mailbox.State
	queues   []commandQueue
	held     []map[int64]model.Command // per origin, commands beyond the next index
	sessions *session.Table

	state       State
	view        *transport.Membership
	interrupted *transport.Membership
	stash       []transport.Event
	heard       []uint64 // view id of the last Knowledge from each replica

	sinceCheckpoint int
	sinceGossip     int
	merges          int
	retained        []int64 // garbage-collection points
	durable         []int64 // K[self] as of the last checkpoint

	recovered bool
	started   bool
}

// New assembles a replica. tr must be named wire.ReplicaMember(cfg.ID). The
// transport, log and store stay owned by the caller.
func New(cfg Config, tr transport.Transport, log *cmdlog.Log, st store.StoreInterface, opts ...Option) (*Replica, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("replica config: %w", err)
	}
	if want := wire.ReplicaMember(cfg.ID); tr.Name() != want {
		return nil, fmt.Errorf("replica %d: transport member is %q, want %q", cfg.ID, tr.Name(), want)
	}
	n := cfg.Replicas
	r := &Replica{
		cfg:      cfg,
		self:     cfg.ID - 1,
		tr:       tr,
		log:      log,
		st:       st,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		k:        knowledge.New(cfg.ID-1, n),
		mail:     mailbox.New(),
		queues:   make([]commandQueue, n),
		held:     make([]map[int64]model.Command, n),
		sessions: session.NewTable(),
		heard:    make([]uint64, n),
		retained: make([]int64, n),
		durable:  make([]int64, n),
	}
	for i := range r.held {
		r.held[i] = make(map[int64]model.Command)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("replica", cfg.ID)
	return r, nil
}

// Start recovers if that has not happened yet, then joins the server inbox
// and the peer group. Joining the peer group produces the first view, which
// Run answers with a synchronization.
func (r *Replica) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if !r.recovered {
		if err := r.Recover(); err != nil {
			return err
		}
	}
	for _, group := range []string{wire.ServerInbox(r.cfg.ID), wire.PeerGroup} {
		if err := transport.Retry(func() error { return r.tr.Join(group) }); err != nil {
			return fmt.Errorf("join %s: %w", group, err)
		}
	}
	r.started = true
	r.logger.Info("replica started", "replicas", r.cfg.Replicas)
	return nil
}

// Run consumes events until ctx is done or a fatal error occurs. A
// synchronization interrupted by a previous Run is restarted first.
func (r *Replica) Run(ctx context.Context) error {
	if r.interrupted != nil {
		if err := r.synchronize(ctx, r.interrupted); err != nil {
			return err
		}
	}
	for {
		ev, err := r.tr.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.logger.Info("replica stopping", "reason", err)
			}
			return err
		}
		if err := r.Step(ctx, ev); err != nil {
			return err
		}
	}
}

// Step processes one event.
func (r *Replica) Step(ctx context.Context, ev transport.Event) error {
	switch ev.Type {
	case transport.EventMembership:
		m := ev.Membership
		if m.Group == wire.PeerGroup {
			if r.state != Stable {
				return nil
			}
			return r.synchronize(ctx, m)
		}
		return r.onClientView(m)
	case transport.EventMessage:
		return r.onMessage(ev.Message)
	default:
		r.logger.Warn("unknown event type", "type", ev.Type)
		return nil
	}
}

func (r *Replica) onMessage(msg *transport.Message) error {
	switch {
	case msg.Kind == wire.KindCommand:
		return r.onCommand(msg)
	case msg.Kind == wire.KindKnowledge:
		if r.onKnowledge(msg) && r.merges >= r.cfg.GCEvery {
			r.merges = 0
			return r.collect()
		}
		return nil
	case msg.Kind.IsClientRequest():
		return r.onClientRequest(msg)
	default:
		r.logger.Debug("ignoring message", "kind", msg.Kind, "sender", msg.Sender)
		return nil
	}
}

// Close writes a final checkpoint. It does not close the transport, log or
// store.
func (r *Replica) Close() error {
	if !r.recovered {
		return nil
	}
	return r.checkpoint()
}

func (r *Replica) checkpoint() error {
	cp := &store.Checkpoint{
		Replica:   r.self,
		Taken:     r.now().UTC(),
		Knowledge: r.k.Snapshot(),
		Mailbox:   r.mail.Snapshot(),
	}
	if err := r.st.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	r.durable = slices.Clone(cp.Applied())
	r.sinceCheckpoint = 0
	r.logger.Debug("checkpoint written", "applied", r.durable)
	return nil
}

// ID returns the 1-based replica id.
func (r *Replica) ID() int { return r.cfg.ID }

// State returns the synchronization state.
func (r *Replica) State() State { return r.state }

// Knowledge returns a copy of the knowledge matrix.
func (r *Replica) Knowledge() [][]int64 { return r.k.Snapshot() }

// Inbox returns user's mailbox.
func (r *Replica) Inbox(user string) []model.InboxEntry { return r.mail.Inbox(user) }

// Sessions lists the connected sessions.
func (r *Replica) Sessions() []session.Session { return r.sessions.List() }

// Retained returns the per-origin garbage-collection points.
func (r *Replica) Retained() []int64 { return slices.Clone(r.retained) }

// Component returns the 1-based ids of the replicas in the current peer
// view, self included.
func (r *Replica) Component() []int {
	ids := []int{r.cfg.ID}
	if r.view != nil {
		ids = ids[:0]
		for p, ok := range r.present(r.view) {
			if ok {
				ids = append(ids, p+1)
			}
		}
	}
	return ids
}
