package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandID_Less_IndexFirst(t *testing.T) {
	cases := []struct {
		name   string
		a, b   CommandID
		expect bool
	}{
		{"lower index wins across origins", CommandID{Origin: 4, Index: 1}, CommandID{Origin: 0, Index: 2}, true},
		{"higher index loses", CommandID{Origin: 0, Index: 3}, CommandID{Origin: 4, Index: 2}, false},
		{"same index, origin breaks tie", CommandID{Origin: 1, Index: 7}, CommandID{Origin: 2, Index: 7}, true},
		{"same index, higher origin", CommandID{Origin: 2, Index: 7}, CommandID{Origin: 1, Index: 7}, false},
		{"equal", CommandID{Origin: 2, Index: 7}, CommandID{Origin: 2, Index: 7}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.a.Less(tc.b), "%v.Less(%v)", tc.a, tc.b)
		})
	}
}

func TestCommandID_Compare(t *testing.T) {
	a := CommandID{Origin: 0, Index: 1}
	b := CommandID{Origin: 1, Index: 1}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Zero(t, a.Compare(a))
}

func TestClaim_Compare(t *testing.T) {
	x := CommandID{Origin: 0, Index: 1}
	y := CommandID{Origin: 0, Index: 2}
	assert.Negative(t, Claim{Target: x, Username: "zed"}.Compare(Claim{Target: y, Username: "amy"}))
	assert.Negative(t, Claim{Target: x, Username: "amy"}.Compare(Claim{Target: x, Username: "bob"}))
	assert.Zero(t, Claim{Target: y, Username: "bob"}.Compare(Claim{Target: y, Username: "bob"}))
}

func TestCommandID_String(t *testing.T) {
	assert.Equal(t, "2.15", CommandID{Origin: 2, Index: 15}.String())
}

func TestInboxEntry_Before_TimeThenID(t *testing.T) {
	t0 := time.Unix(100, 0)
	early := InboxEntry{ID: CommandID{Origin: 3, Index: 9}, SentAt: t0}
	late := InboxEntry{ID: CommandID{Origin: 0, Index: 1}, SentAt: t0.Add(time.Second)}
	assert.True(t, early.Before(late), "earlier send time should sort first regardless of id")

	tieA := InboxEntry{ID: CommandID{Origin: 0, Index: 2}, SentAt: t0}
	tieB := InboxEntry{ID: CommandID{Origin: 1, Index: 2}, SentAt: t0}
	assert.True(t, tieA.Before(tieB))
	assert.False(t, tieB.Before(tieA))
}

func TestPayloadKinds(t *testing.T) {
	ps := []Payload{Mail{}, Read{}, Delete{}}
	want := []PayloadKind{PayloadMail, PayloadRead, PayloadDelete}
	for i, p := range ps {
		assert.Equal(t, want[i], p.Kind(), "%T", p)
	}
}

func TestCommand_Session(t *testing.T) {
	c := Command{Payload: Read{Session: 42}}
	assert.Equal(t, uint32(42), c.Session())
}

func TestValidate_RejectsOversize(t *testing.T) {
	m := Mail{Username: "alice", To: "bob", Subject: strings.Repeat("s", MaxSubject+1)}
	assert.ErrorIs(t, Validate(m), ErrFieldTooLong)
}

func TestValidate_AcceptsBoundary(t *testing.T) {
	m := Mail{
		Username: strings.Repeat("u", MaxUsername),
		To:       "bob",
		Subject:  strings.Repeat("s", MaxSubject),
		Body:     strings.Repeat("b", MaxBody),
	}
	require.NoError(t, Validate(m))
}

func TestValidate_RequiresRecipient(t *testing.T) {
	assert.ErrorIs(t, Validate(Mail{Username: "alice"}), ErrFieldEmpty)
}
