package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/replimail/pkg/client"
	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/store"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/transport/memnet"
	"github.com/daviddao/replimail/pkg/wire"
)

// cluster runs replicas on one memnet hub, each in its own goroutine.
type cluster struct {
	t     *testing.T
	hub   *memnet.Hub
	dir   string
	cfg   Config
	block int64
	clock func() time.Time
	nodes map[int]*node
}

type node struct {
	r      *Replica
	ep     *memnet.Endpoint
	log    *cmdlog.Log
	st     *store.Store
	cancel context.CancelFunc
	done   chan error
}

func newCluster(t *testing.T, cfg Config) *cluster {
	t.Helper()
	c := &cluster{
		t:     t,
		hub:   memnet.NewHub(),
		dir:   t.TempDir(),
		cfg:   cfg,
		block: 1000,
		clock: ticker(),
		nodes: make(map[int]*node),
	}
	t.Cleanup(func() {
		for id := range c.nodes {
			c.crash(id)
		}
		c.hub.Close()
	})
	return c
}

// ticker is a clock that advances one second per reading.
func ticker() func() time.Time {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// open assembles replica id on its data directory without starting it.
func (c *cluster) open(id int) *node {
	c.t.Helper()
	dir := filepath.Join(c.dir, fmt.Sprintf("replica-%d", id))
	log, err := cmdlog.Open(filepath.Join(dir, "log"), id-1, cmdlog.Options{BlockSize: c.block})
	require.NoError(c.t, err)
	st, err := store.New(filepath.Join(dir, "replica.db"))
	require.NoError(c.t, err)
	ep, err := c.hub.Attach(wire.ReplicaMember(id))
	require.NoError(c.t, err)

	cfg := c.cfg
	cfg.ID = id
	r, err := New(cfg, ep, log, st, WithLogger(testLogger()), WithClock(c.clock))
	require.NoError(c.t, err)
	return &node{r: r, ep: ep, log: log, st: st}
}

// start opens, recovers and runs replica id.
func (c *cluster) start(id int) *Replica {
	c.t.Helper()
	n := c.open(id)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(c.t, n.r.Start(ctx))
	n.cancel = cancel
	n.done = make(chan error, 1)
	go func() { n.done <- n.r.Run(ctx) }()
	c.nodes[id] = n
	return n.r
}

// halt stops the event loop of replica id and returns its exit error.
func (c *cluster) halt(id int) error {
	n := c.nodes[id]
	n.cancel()
	return <-n.done
}

// stop shuts replica id down cleanly, writing a final checkpoint.
func (c *cluster) stop(id int) {
	c.t.Helper()
	n := c.nodes[id]
	assert.ErrorIs(c.t, c.halt(id), context.Canceled)
	require.NoError(c.t, n.r.Close())
	c.release(id)
}

// crash stops replica id without a final checkpoint.
func (c *cluster) crash(id int) {
	if n := c.nodes[id]; n.cancel != nil {
		n.cancel()
		<-n.done
	}
	c.release(id)
}

func (c *cluster) release(id int) {
	n := c.nodes[id]
	n.ep.Close()
	n.log.Close()
	n.st.Close()
	delete(c.nodes, id)
}

func (c *cluster) replica(id int) *Replica { return c.nodes[id].r }

// settle waits until every replica is blocked with nothing to do.
func (c *cluster) settle() {
	c.t.Helper()
	names := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		names = append(names, wire.ReplicaMember(id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(c.t, c.hub.WaitIdle(ctx, names...))
}

func (c *cluster) client(name string, server int) *client.Client {
	c.t.Helper()
	ep, err := c.hub.Attach(name)
	require.NoError(c.t, err)
	cl := client.New(ep, name)
	require.NoError(c.t, cl.Connect(testCtx(c.t), server))
	return cl
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func subjects(entries []model.InboxEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Subject
	}
	return out
}

func defaultConfig(n int) Config {
	return Config{Replicas: n, CheckpointEvery: 100, GossipEvery: 50, GCEvery: 1}
}

func TestThreeReplicasConverge(t *testing.T) {
	c := newCluster(t, defaultConfig(3))
	for id := 1; id <= 3; id++ {
		c.start(id)
	}
	c.settle()

	alice := c.client("alice", 1)
	bob := c.client("bob", 2)
	ctx := testCtx(t)

	first, err := alice.Mail(ctx, "bob", "hello", "first")
	require.NoError(t, err)
	assert.Equal(t, model.CommandID{Origin: 0, Index: 1}, first)
	_, err = alice.Mail(ctx, "bob", "again", "second")
	require.NoError(t, err)
	reply, err := bob.Mail(ctx, "alice", "re: hello", "hi")
	require.NoError(t, err)
	assert.Equal(t, model.CommandID{Origin: 1, Index: 1}, reply)
	c.settle()

	for id := 1; id <= 3; id++ {
		r := c.replica(id)
		assert.Equal(t, []string{"hello", "again"}, subjects(r.Inbox("bob")), "replica %d", id)
		assert.Equal(t, []string{"re: hello"}, subjects(r.Inbox("alice")), "replica %d", id)
		assert.Equal(t, []int64{2, 1, 0}, r.Knowledge()[id-1], "replica %d", id)
		assert.Equal(t, Stable, r.State())
	}

	// Bob reads and deletes through replica 2; replica 3 converges too.
	_, err = bob.Read(ctx, first)
	require.NoError(t, err)
	entries, err := bob.Inbox(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Read)
	assert.False(t, entries[1].Read)

	_, err = bob.Delete(ctx, first)
	require.NoError(t, err)
	c.settle()
	assert.Equal(t, []string{"again"}, subjects(c.replica(3).Inbox("bob")))

	comp, err := alice.Component(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, comp)
}

func TestPartitionHealResends(t *testing.T) {
	c := newCluster(t, defaultConfig(3))
	for id := 1; id <= 3; id++ {
		c.start(id)
	}
	c.settle()
	alice := c.client("alice", 1)
	ctx := testCtx(t)

	c.hub.Partition([]string{"replica-1", "replica-2", "alice"}, []string{"replica-3"})
	c.settle()
	comp, err := alice.Component(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, comp)

	for i := range 3 {
		_, err := alice.Mail(ctx, "bob", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}
	c.settle()
	assert.Len(t, c.replica(2).Inbox("bob"), 3)
	assert.Empty(t, c.replica(3).Inbox("bob"))
	assert.Equal(t, []int{3}, c.replica(3).Component())

	c.hub.Heal()
	c.settle()
	for id := 1; id <= 3; id++ {
		assert.Equal(t, []string{"m0", "m1", "m2"}, subjects(c.replica(id).Inbox("bob")), "replica %d", id)
		assert.Equal(t, int64(3), c.replica(id).Knowledge()[id-1][0])
	}
}

func TestCommandsFromBothSidesMergeAfterHeal(t *testing.T) {
	c := newCluster(t, defaultConfig(2))
	c.start(1)
	c.start(2)
	c.settle()
	alice := c.client("alice", 1)
	bob := c.client("bob", 2)
	carol := c.client("carol", 2)
	ctx := testCtx(t)

	c.hub.Partition([]string{"replica-1", "alice"}, []string{"replica-2", "bob", "carol"})
	c.settle()
	id, err := alice.Mail(ctx, "carol", "from alice", "")
	require.NoError(t, err)
	_, err = bob.Mail(ctx, "carol", "from bob", "")
	require.NoError(t, err)
	// Carol's delete of alice's mail reaches replica 2 before the mail.
	_, err = carol.Delete(ctx, id)
	require.NoError(t, err)
	c.settle()

	c.hub.Heal()
	c.settle()
	for i := 1; i <= 2; i++ {
		assert.Equal(t, []string{"from bob"}, subjects(c.replica(i).Inbox("carol")), "replica %d", i)
	}
}

// Replica 2 misses carol's first mail. After the heal replica 1 re-sends it
// while replica 3 already broadcasts newer ones; replica 2 must end up with
// all of them whichever arrives first.
func TestRejoinCatchesUpWhenNewCommandsOvertakeResend(t *testing.T) {
	c := newCluster(t, defaultConfig(3))
	for id := 1; id <= 3; id++ {
		c.start(id)
	}
	c.settle()
	carol := c.client("carol", 3)
	ctx := testCtx(t)

	c.hub.Partition([]string{"replica-1", "replica-3", "carol"}, []string{"replica-2"})
	c.settle()
	_, err := carol.Mail(ctx, "dave", "first", "")
	require.NoError(t, err)
	c.settle()

	c.hub.Heal()
	_, err = carol.Mail(ctx, "dave", "second", "")
	require.NoError(t, err)
	for range 60 {
		_, err := carol.Mail(ctx, "dave", "later", "")
		require.NoError(t, err)
	}
	c.settle()

	want := subjects(c.replica(3).Inbox("dave"))
	require.Len(t, want, 62)
	for id := 1; id <= 3; id++ {
		r := c.replica(id)
		assert.Equal(t, want, subjects(r.Inbox("dave")), "replica %d", id)
		assert.Equal(t, int64(62), r.Knowledge()[id-1][2], "replica %d", id)
		assert.Empty(t, r.held[2], "replica %d", id)
	}
}

// A Read issued on one side of a partition parks until the Mail arrives with
// the other side. A Delete of the same mail by someone else never applies.
func TestPartitionReadPending(t *testing.T) {
	c := newCluster(t, defaultConfig(2))
	c.start(1)
	c.start(2)
	c.settle()
	alice := c.client("alice", 1)
	bob := c.client("bob", 2)
	eve := c.client("eve", 2)
	ctx := testCtx(t)

	c.hub.Partition([]string{"replica-1", "alice"}, []string{"replica-2", "bob", "eve"})
	c.settle()
	id, err := alice.Mail(ctx, "bob", "hi", "")
	require.NoError(t, err)
	_, err = bob.Read(ctx, id)
	require.NoError(t, err)
	_, err = eve.Delete(ctx, id)
	require.NoError(t, err)
	c.settle()

	r2 := c.replica(2)
	assert.Empty(t, r2.Inbox("bob"))
	read, del, _ := r2.mail.PendingCounts()
	assert.Equal(t, 1, read)
	assert.Equal(t, 1, del)

	c.hub.Heal()
	c.settle()
	for i := 1; i <= 2; i++ {
		r := c.replica(i)
		box := r.Inbox("bob")
		require.Len(t, box, 1, "replica %d", i)
		assert.Equal(t, "hi", box[0].Subject)
		assert.True(t, box[0].Read, "replica %d", i)
		read, del, _ := r.mail.PendingCounts()
		assert.Zero(t, read, "replica %d", i)
		assert.Zero(t, del, "replica %d", i)
	}
}

func TestNotConnectedAck(t *testing.T) {
	c := newCluster(t, defaultConfig(1))
	c.start(1)
	c.settle()

	ep, err := c.hub.Attach("stranger")
	require.NoError(t, err)
	require.NoError(t, ep.Join(wire.ClientInbox(77)))
	req := wire.MailRequest{Session: 77, Seq: 9, Username: "eve", To: "bob", Subject: "x"}
	require.NoError(t, ep.Multicast(wire.ServerInbox(1), wire.KindMail, req.Encode()))

	ack := receiveKind(t, ep, wire.KindAck)
	a, err := wire.DecodeAck(ack.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), a.Seq)
	assert.Equal(t, wire.StatusNotConnected, a.Status)
	assert.Equal(t, []int64{0}, c.replica(1).Knowledge()[0])
}

func TestInvalidRequests(t *testing.T) {
	c := newCluster(t, defaultConfig(1))
	c.start(1)
	c.settle()
	alice := c.client("alice", 1)
	bob := c.client("bob", 1)
	ctx := testCtx(t)

	var se *client.StatusError
	_, err := alice.Mail(ctx, "bob", "s", string(make([]byte, model.MaxBody+1)))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, wire.StatusInvalid, se.Status)

	id, err := alice.Mail(ctx, "bob", "s", "b")
	require.NoError(t, err)
	// Alice cannot touch bob's mail.
	_, err = alice.Delete(ctx, id)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Text, "another user")
	c.settle()
	assert.Len(t, c.replica(1).Inbox("bob"), 1)

	_, err = bob.Delete(ctx, id)
	require.NoError(t, err)
	c.settle()
	assert.Empty(t, c.replica(1).Inbox("bob"))
}

func TestSessionTeardown(t *testing.T) {
	c := newCluster(t, defaultConfig(1))
	r := c.start(1)
	c.settle()
	alice := c.client("alice", 1)
	c.settle()
	require.Len(t, r.Sessions(), 1)
	assert.Equal(t, "alice", r.Sessions()[0].Username)

	sid := alice.Session()
	require.NoError(t, alice.Disconnect())
	c.settle()
	assert.Empty(t, r.Sessions())
	assert.Empty(t, c.hub.Members(wire.ClientConnect(sid)))
}

func TestStashDuringSync(t *testing.T) {
	c := newCluster(t, defaultConfig(2))
	r := c.start(1)
	c.settle()

	// A silent peer joins: replica 1 waits for its knowledge.
	peer, err := c.hub.Attach("replica-2")
	require.NoError(t, err)
	require.NoError(t, peer.Join(wire.PeerGroup))
	view := receiveView(t, peer, wire.PeerGroup)
	c.settle()
	require.Equal(t, WaitingForQuorum, r.State())

	user, err := c.hub.Attach("alice")
	require.NoError(t, err)
	const sid = 5
	require.NoError(t, user.Join(wire.ClientInbox(sid)))
	require.NoError(t, user.Join(wire.ClientConnect(sid)))
	connect := wire.Connect{Session: sid, Seq: 1, Username: "alice"}
	require.NoError(t, user.Multicast(wire.ServerInbox(1), wire.KindConnect, connect.Encode()))
	mail := wire.MailRequest{Session: sid, Seq: 2, Username: "alice", To: "bob", Subject: "queued"}
	require.NoError(t, user.Multicast(wire.ServerInbox(1), wire.KindMail, mail.Encode()))
	c.settle()

	// Connected but not yet applied.
	assert.Len(t, r.Sessions(), 1)
	assert.Empty(t, r.Inbox("bob"))
	assert.Equal(t, int64(0), r.Knowledge()[0][0])

	k := wire.Knowledge{Sender: 1, ViewID: view.ViewID, Matrix: [][]int64{{0, 0}, {0, 0}}}
	require.NoError(t, peer.Multicast(wire.PeerGroup, wire.KindKnowledge, k.Encode()))
	c.settle()

	assert.Equal(t, Stable, r.State())
	assert.Equal(t, []string{"queued"}, subjects(r.Inbox("bob")))
	resp := receiveKind(t, user, wire.KindResponse)
	got, err := wire.DecodeResponse(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Response{Seq: 2, ID: model.CommandID{Origin: 0, Index: 1}}, got)
}

func TestSyncAbortsAfterMaxAttempts(t *testing.T) {
	cfg := defaultConfig(3)
	cfg.MaxSyncAttempts = 1
	c := newCluster(t, cfg)
	c.start(1)
	c.settle()

	p2, err := c.hub.Attach("replica-2")
	require.NoError(t, err)
	require.NoError(t, p2.Join(wire.PeerGroup))
	c.settle()
	p3, err := c.hub.Attach("replica-3")
	require.NoError(t, err)
	require.NoError(t, p3.Join(wire.PeerGroup))

	select {
	case err := <-c.nodes[1].done:
		assert.ErrorIs(t, err, ErrSyncAborted)
		c.nodes[1].cancel = nil
	case <-time.After(10 * time.Second):
		t.Fatal("replica did not abort")
	}
}

func TestRestartRecoversCheckpointAndLogTail(t *testing.T) {
	cfg := defaultConfig(2)
	cfg.CheckpointEvery = 2
	c := newCluster(t, cfg)
	c.start(1)
	c.settle()
	alice := c.client("alice", 1)
	ctx := testCtx(t)
	for i := range 3 {
		_, err := alice.Mail(ctx, "bob", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}
	read, err := alice.Mail(ctx, "alice", "self", "")
	require.NoError(t, err)
	c.settle()

	sum, err := c.nodes[1].st.Summarize()
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Entries, "checkpoint after the fourth apply")
	_, err = alice.Read(ctx, read)
	require.NoError(t, err)
	c.settle()

	// The read is only in the log.
	c.crash(1)
	require.NoError(t, alice.Disconnect())

	r := c.start(1)
	c.settle()
	assert.Equal(t, []string{"m0", "m1", "m2"}, subjects(r.Inbox("bob")))
	self := r.Inbox("alice")
	require.Len(t, self, 1)
	assert.True(t, self[0].Read)
	assert.Equal(t, int64(5), r.Knowledge()[0][0])

	require.NoError(t, alice.Connect(ctx, 1))
	id, err := alice.Mail(ctx, "bob", "after restart", "")
	require.NoError(t, err)
	assert.Equal(t, model.CommandID{Origin: 0, Index: 6}, id)
}

func TestCleanStopCheckpoints(t *testing.T) {
	c := newCluster(t, defaultConfig(1))
	c.start(1)
	c.settle()
	alice := c.client("alice", 1)
	_, err := alice.Mail(testCtx(t), "bob", "s", "b")
	require.NoError(t, err)
	c.settle()

	c.stop(1)

	// stop closed the store; reopen it to read the final checkpoint.
	st, err := store.New(filepath.Join(c.dir, "replica-1", "replica.db"))
	require.NoError(t, err)
	defer st.Close()
	cp, found, err := st.LoadCheckpoint()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{1}, cp.Applied())
	assert.Len(t, cp.Mailbox.Inboxes["bob"], 1)
}

func TestGarbageCollection(t *testing.T) {
	cfg := defaultConfig(2)
	cfg.CheckpointEvery = 1
	cfg.GossipEvery = 1
	c := newCluster(t, cfg)
	c.block = 2
	c.start(1)
	c.start(2)
	c.settle()
	alice := c.client("alice", 1)
	ctx := testCtx(t)
	for i := range 5 {
		_, err := alice.Mail(ctx, "bob", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}
	c.settle()

	for id := 1; id <= 2; id++ {
		n := c.nodes[id]
		assert.Equal(t, []int64{5, 0}, n.r.Retained(), "replica %d", id)
		blocks, err := n.log.Blocks(0)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, blocks, "replica %d keeps only the block holding index 6", id)
		points, err := n.st.LoadWatermark(2)
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 0}, points)
	}

	// Collected replicas still restart cleanly.
	c.crash(2)
	r := c.start(2)
	c.settle()
	assert.Len(t, r.Inbox("bob"), 5)
}

func TestCollectionWaitsForCheckpoint(t *testing.T) {
	cfg := defaultConfig(2)
	cfg.GossipEvery = 1
	c := newCluster(t, cfg)
	c.start(1)
	c.start(2)
	c.settle()
	alice := c.client("alice", 1)
	_, err := alice.Mail(testCtx(t), "bob", "s", "")
	require.NoError(t, err)
	c.settle()

	assert.Equal(t, []int64{1, 1}, []int64{c.replica(1).Knowledge()[1][0], c.replica(2).Knowledge()[0][0]})
	assert.Equal(t, []int64{0, 0}, c.replica(1).Retained())
}

func TestStepAppliesEachCommandOnce(t *testing.T) {
	c := newCluster(t, defaultConfig(3))
	n := c.open(1)
	c.nodes[1] = n
	require.NoError(t, n.r.Recover())
	ctx := testCtx(t)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mail := model.Command{ID: model.CommandID{Origin: 1, Index: 1}, Timestamp: at,
		Payload: model.Mail{Username: "alice", To: "bob", Subject: "x"}}
	del := model.Command{ID: model.CommandID{Origin: 2, Index: 1}, Timestamp: at,
		Payload: model.Delete{Username: "bob", Target: mail.ID}}
	read := model.Command{ID: model.CommandID{Origin: 2, Index: 2}, Timestamp: at,
		Payload: model.Read{Username: "bob", Target: mail.ID}}
	gap := model.Command{ID: model.CommandID{Origin: 1, Index: 3}, Timestamp: at,
		Payload: model.Mail{Username: "alice", To: "bob", Subject: "gap"}}

	// Delete overtakes its mail; the duplicates are dropped and the command
	// past the gap is held.
	for _, cmd := range []model.Command{del, del, mail, mail, read, gap, gap} {
		require.NoError(t, n.r.Step(ctx, commandEvent(t, cmd)))
	}
	assert.Empty(t, n.r.Inbox("bob"))
	assert.Equal(t, []int64{0, 1, 2}, n.r.Knowledge()[0])
	assert.Len(t, n.r.held[1], 1)

	// Filling the gap releases the held command.
	fill := model.Command{ID: model.CommandID{Origin: 1, Index: 2}, Timestamp: at,
		Payload: model.Mail{Username: "alice", To: "bob", Subject: "fill"}}
	require.NoError(t, n.r.Step(ctx, commandEvent(t, fill)))
	assert.Equal(t, []string{"fill", "gap"}, subjects(n.r.Inbox("bob")))
	assert.Equal(t, []int64{0, 3, 2}, n.r.Knowledge()[0])
	assert.Empty(t, n.r.held[1])

	var indexes []int64
	_, err := n.log.Replay(2, 1, func(cmd model.Command) error {
		indexes = append(indexes, cmd.ID.Index)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, indexes)
}

func TestStepDropsGarbage(t *testing.T) {
	c := newCluster(t, defaultConfig(2))
	n := c.open(1)
	c.nodes[1] = n
	require.NoError(t, n.r.Recover())
	ctx := testCtx(t)

	bad := []transport.Event{
		{Type: transport.EventMessage, Message: &transport.Message{Kind: wire.KindCommand, Payload: []byte{1, 2, 3}}},
		{Type: transport.EventMessage, Message: &transport.Message{Kind: wire.KindKnowledge, Payload: []byte{0}}},
		{Type: transport.EventMessage, Message: &transport.Message{Kind: wire.KindKnowledge,
			Payload: wire.Knowledge{Sender: 0, Matrix: [][]int64{{1}}}.Encode()}},
		{Type: transport.EventMessage, Message: &transport.Message{Kind: wire.KindMail, Payload: []byte{0}}},
		{Type: transport.EventMessage, Message: &transport.Message{Kind: wire.KindAck}},
	}
	for _, ev := range bad {
		require.NoError(t, n.r.Step(ctx, ev))
	}
	assert.Equal(t, [][]int64{{0, 0}, {0, 0}}, n.r.Knowledge())
}

func TestNewRejectsMisnamedTransport(t *testing.T) {
	hub := memnet.NewHub()
	defer hub.Close()
	ep, err := hub.Attach("server")
	require.NoError(t, err)
	_, err = New(Config{ID: 1, Replicas: 1, CheckpointEvery: 1, GCEvery: 1}, ep, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{ID: 2, Replicas: 1, CheckpointEvery: 1, GCEvery: 1}, ep, nil, nil)
	assert.Error(t, err)
}

func commandEvent(t *testing.T, cmd model.Command) transport.Event {
	t.Helper()
	b, err := wire.EncodeCommand(cmd)
	require.NoError(t, err)
	return transport.Event{Type: transport.EventMessage, Message: &transport.Message{
		Sender: wire.ReplicaMember(cmd.ID.Origin + 1), Kind: wire.KindCommand, Payload: b}}
}

func receiveKind(t *testing.T, ep transport.Transport, kind wire.Kind) *transport.Message {
	t.Helper()
	ctx := testCtx(t)
	for {
		ev, err := ep.Receive(ctx)
		require.NoError(t, err)
		if ev.Type == transport.EventMessage && ev.Message.Kind == kind {
			return ev.Message
		}
	}
}

func receiveView(t *testing.T, ep transport.Transport, group string) *transport.Membership {
	t.Helper()
	ctx := testCtx(t)
	for {
		ev, err := ep.Receive(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("no view of %s", group)
		}
		require.NoError(t, err)
		if ev.Type == transport.EventMembership && ev.Membership.Group == group {
			return ev.Membership
		}
	}
}
