package wire

import (
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/daviddao/replimail/pkg/model"
)

// ErrChecksum is returned when a command record fails its CRC.
var ErrChecksum = errors.New("command record checksum mismatch")

const recordMagic = 0xC5

// CommandRecordSize is the exact size of an encoded command. Every command,
// whatever its payload, occupies the same number of bytes.
const CommandRecordSize = 1 + // magic
	2 + 8 + // id
	8 + // timestamp
	1 + // payload kind
	4 + // session
	2 + model.MaxUsername + // username
	2 + model.MaxUsername + // to
	2 + model.MaxSubject + // subject
	2 + model.MaxBody + // body
	2 + 8 + // target
	4 // crc32

// EncodeCommand returns the fixed-size record for cmd.
func EncodeCommand(cmd model.Command) ([]byte, error) {
	if err := model.Validate(cmd.Payload); err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}
	var (
		username, to, subject, body string
		session                     uint32
		target                      model.CommandID
	)
	switch p := cmd.Payload.(type) {
	case model.Mail:
		session, username, to, subject, body = p.Session, p.Username, p.To, p.Subject, p.Body
	case model.Read:
		session, username, target = p.Session, p.Username, p.Target
	case model.Delete:
		session, username, target = p.Session, p.Username, p.Target
	default:
		return nil, fmt.Errorf("encode command %s: unknown payload %T", cmd.ID, p)
	}

	e := encoder{buf: make([]byte, 0, CommandRecordSize)}
	e.u8(recordMagic)
	e.id(cmd.ID)
	e.i64(cmd.Timestamp.UnixNano())
	e.u8(uint8(cmd.Payload.Kind()))
	e.u32(session)
	e.fixedText(username, model.MaxUsername)
	e.fixedText(to, model.MaxUsername)
	e.fixedText(subject, model.MaxSubject)
	e.fixedText(body, model.MaxBody)
	e.id(target)
	e.u32(crc32.ChecksumIEEE(e.buf))
	return e.buf, nil
}

// DecodeCommand parses a record produced by EncodeCommand.
func DecodeCommand(b []byte) (model.Command, error) {
	if len(b) != CommandRecordSize {
		return model.Command{}, fmt.Errorf("%w: command record is %d bytes, want %d",
			ErrShortPayload, len(b), CommandRecordSize)
	}
	body, sum := b[:len(b)-4], b[len(b)-4:]
	d := decoder{b: sum}
	if want := d.u32(); crc32.ChecksumIEEE(body) != want {
		return model.Command{}, ErrChecksum
	}

	d = decoder{b: body}
	if m := d.u8(); m != recordMagic {
		return model.Command{}, fmt.Errorf("bad record magic %#x", m)
	}
	id := d.id()
	ts := d.i64()
	kind := model.PayloadKind(d.u8())
	session := d.u32()
	username := d.fixedText("username", model.MaxUsername)
	to := d.fixedText("to", model.MaxUsername)
	subject := d.fixedText("subject", model.MaxSubject)
	text := d.fixedText("body", model.MaxBody)
	target := d.id()
	if err := d.finish(); err != nil {
		return model.Command{}, err
	}

	cmd := model.Command{ID: id, Timestamp: time.Unix(0, ts).UTC()}
	switch kind {
	case model.PayloadMail:
		cmd.Payload = model.Mail{Session: session, Username: username, To: to, Subject: subject, Body: text}
	case model.PayloadRead:
		cmd.Payload = model.Read{Session: session, Username: username, Target: target}
	case model.PayloadDelete:
		cmd.Payload = model.Delete{Session: session, Username: username, Target: target}
	default:
		return model.Command{}, fmt.Errorf("command %s: unknown payload kind %d", id, kind)
	}
	return cmd, nil
}
