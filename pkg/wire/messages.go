package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/replimail/pkg/model"
)

// MaxAckText bounds the free-form text of an acknowledgement.
const MaxAckText = 200

// MaxReplicas bounds the replica count a Knowledge message may describe.
const MaxReplicas = 64

// Every client request starts with the session id followed by the client's
// request sequence number, so a server can answer even a request it cannot
// otherwise decode.

// Connect asks a server to admit a session.
type Connect struct {
	Session  uint32
	Seq      uint32
	Username string
}

// MailRequest asks a server to send mail.
type MailRequest struct {
	Session  uint32
	Seq      uint32
	Username string
	To       string
	Subject  string
	Body     string
}

// TargetRequest is the body of READ and DELETE requests.
type TargetRequest struct {
	Session  uint32
	Seq      uint32
	Username string
	Target   model.CommandID
}

// InboxRequest asks for Username's mailbox.
type InboxRequest struct {
	Session  uint32
	Seq      uint32
	Username string
}

// ComponentRequest asks which replicas are in the server's current view.
type ComponentRequest struct {
	Session uint32
	Seq     uint32
}

// PeekSession returns the session id and sequence number at the head of a
// client request.
func PeekSession(b []byte) (session, seq uint32, ok bool) {
	d := decoder{b: b}
	session = d.u32()
	seq = d.u32()
	return session, seq, d.err == nil
}

func (m Connect) Encode() []byte {
	e := encoder{}
	e.u32(m.Session)
	e.u32(m.Seq)
	e.text(m.Username)
	return e.buf
}

func DecodeConnect(b []byte) (Connect, error) {
	d := decoder{b: b}
	m := Connect{Session: d.u32(), Seq: d.u32()}
	m.Username = d.username("username")
	return m, d.finish()
}

func (m MailRequest) Encode() []byte {
	e := encoder{}
	e.u32(m.Session)
	e.u32(m.Seq)
	e.text(m.Username)
	e.text(m.To)
	e.text(m.Subject)
	e.text(m.Body)
	return e.buf
}

func DecodeMailRequest(b []byte) (MailRequest, error) {
	d := decoder{b: b}
	m := MailRequest{Session: d.u32(), Seq: d.u32()}
	m.Username = d.username("username")
	m.To = d.username("to")
	m.Subject = d.text("subject", model.MaxSubject)
	m.Body = d.text("body", model.MaxBody)
	if err := d.finish(); err != nil {
		return m, err
	}
	if m.To == "" {
		return m, fmt.Errorf("to: %w", model.ErrFieldEmpty)
	}
	return m, nil
}

// Payload converts the request into a command payload.
func (m MailRequest) Payload() model.Mail {
	return model.Mail{Session: m.Session, Username: m.Username, To: m.To, Subject: m.Subject, Body: m.Body}
}

func (m TargetRequest) Encode() []byte {
	e := encoder{}
	e.u32(m.Session)
	e.u32(m.Seq)
	e.text(m.Username)
	e.id(m.Target)
	return e.buf
}

func DecodeTargetRequest(b []byte) (TargetRequest, error) {
	d := decoder{b: b}
	m := TargetRequest{Session: d.u32(), Seq: d.u32()}
	m.Username = d.username("username")
	m.Target = d.id()
	return m, d.finish()
}

func (m InboxRequest) Encode() []byte {
	e := encoder{}
	e.u32(m.Session)
	e.u32(m.Seq)
	e.text(m.Username)
	return e.buf
}

func DecodeInboxRequest(b []byte) (InboxRequest, error) {
	d := decoder{b: b}
	m := InboxRequest{Session: d.u32(), Seq: d.u32()}
	m.Username = d.username("username")
	return m, d.finish()
}

func (m ComponentRequest) Encode() []byte {
	e := encoder{}
	e.u32(m.Session)
	e.u32(m.Seq)
	return e.buf
}

func DecodeComponentRequest(b []byte) (ComponentRequest, error) {
	d := decoder{b: b}
	m := ComponentRequest{Session: d.u32(), Seq: d.u32()}
	return m, d.finish()
}

// Status is the outcome carried by an Ack.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotConnected
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotConnected:
		return "not connected"
	case StatusInvalid:
		return "invalid request"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ack reports the outcome of a request. For SHOW_INBOX it terminates the
// stream of Inbox items and Count holds the number sent.
type Ack struct {
	Seq    uint32
	Status Status
	Count  uint32
	Text   string
}

func (m Ack) Encode() []byte {
	text := m.Text
	if len(text) > MaxAckText {
		text = strings.ToValidUTF8(text[:MaxAckText], "")
	}
	e := encoder{}
	e.u32(m.Seq)
	e.u8(uint8(m.Status))
	e.u32(m.Count)
	e.text(text)
	return e.buf
}

func DecodeAck(b []byte) (Ack, error) {
	d := decoder{b: b}
	m := Ack{Seq: d.u32(), Status: Status(d.u8()), Count: d.u32()}
	m.Text = d.text("text", MaxAckText)
	return m, d.finish()
}

// InboxItem carries one mailbox entry in reply to SHOW_INBOX.
type InboxItem struct {
	Seq   uint32
	Entry model.InboxEntry
}

func (m InboxItem) Encode() []byte {
	e := encoder{}
	e.u32(m.Seq)
	e.id(m.Entry.ID)
	e.text(m.Entry.To)
	e.text(m.Entry.From)
	e.text(m.Entry.Subject)
	e.text(m.Entry.Body)
	e.i64(m.Entry.SentAt.UnixNano())
	if m.Entry.Read {
		e.u8(1)
	} else {
		e.u8(0)
	}
	return e.buf
}

func DecodeInboxItem(b []byte) (InboxItem, error) {
	d := decoder{b: b}
	m := InboxItem{Seq: d.u32()}
	m.Entry.ID = d.id()
	m.Entry.To = d.text("to", model.MaxUsername)
	m.Entry.From = d.text("from", model.MaxUsername)
	m.Entry.Subject = d.text("subject", model.MaxSubject)
	m.Entry.Body = d.text("body", model.MaxBody)
	m.Entry.SentAt = time.Unix(0, d.i64()).UTC()
	m.Entry.Read = d.u8() != 0
	return m, d.finish()
}

// Response reports the command id a MAIL, READ or DELETE was applied as.
type Response struct {
	Seq uint32
	ID  model.CommandID
}

func (m Response) Encode() []byte {
	e := encoder{}
	e.u32(m.Seq)
	e.id(m.ID)
	return e.buf
}

func DecodeResponse(b []byte) (Response, error) {
	d := decoder{b: b}
	m := Response{Seq: d.u32(), ID: d.id()}
	return m, d.finish()
}

// Component lists the replica ids (1-based) in a server's current view.
type Component struct {
	Seq      uint32
	Replicas []int
}

func (m Component) Encode() []byte {
	e := encoder{}
	e.u32(m.Seq)
	e.u8(uint8(len(m.Replicas)))
	for _, r := range m.Replicas {
		e.u8(uint8(r))
	}
	return e.buf
}

func DecodeComponent(b []byte) (Component, error) {
	d := decoder{b: b}
	m := Component{Seq: d.u32()}
	n := int(d.u8())
	for i := 0; i < n && d.err == nil; i++ {
		m.Replicas = append(m.Replicas, int(d.u8()))
	}
	return m, d.finish()
}

// Knowledge carries a replica's whole knowledge matrix.
type Knowledge struct {
	Sender int
	ViewID uint64
	Matrix [][]int64
}

func (m Knowledge) Encode() []byte {
	e := encoder{}
	e.u16(uint16(m.Sender))
	e.u64(m.ViewID)
	e.u16(uint16(len(m.Matrix)))
	for _, row := range m.Matrix {
		for _, v := range row {
			e.i64(v)
		}
	}
	return e.buf
}

func DecodeKnowledge(b []byte) (Knowledge, error) {
	d := decoder{b: b}
	m := Knowledge{Sender: int(d.u16()), ViewID: d.u64()}
	n := int(d.u16())
	if d.err == nil && (n == 0 || n > MaxReplicas) {
		return m, fmt.Errorf("knowledge: %d replicas out of range", n)
	}
	if d.err == nil && m.Sender >= n {
		return m, fmt.Errorf("knowledge: sender %d outside %d replicas", m.Sender, n)
	}
	m.Matrix = make([][]int64, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		row := make([]int64, n)
		for j := range row {
			row[j] = d.i64()
		}
		m.Matrix = append(m.Matrix, row)
	}
	return m, d.finish()
}
