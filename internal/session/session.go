// Package session implements the synchronous IMAP request/response
// cycles the sync engine needs, built on top of internal/wire (line
// transport) and internal/protocol (response recognition). Tags are
// fixed English words rather than serial numbers, matching the
// reference implementation; the session only needs to match the exact
// tag it just sent, so collisions with server status text are not a
// practical concern.
package session

import (
	"io"
	"log"

	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/protocol"
	"github.com/arthurchoung/imap-mh/internal/wire"
)

// QResyncParams are the prior UIDVALIDITY/HIGHESTMODSEQ values sent in
// a SELECT ... (QRESYNC (...)) command.
type QResyncParams struct {
	UIDValidity   string
	HighestModSeq string
}

// SelectEvents receives the untagged responses streamed during
// Select. Fields the caller doesn't care about can be left nil.
type SelectEvents struct {
	OnExists        func(n int)
	OnUIDValidity   func(digits string) error
	OnHighestModSeq func(digits string) error
	// OnFetch receives the UID from a changed-flags FETCH
	// notification. QRESYNC SELECT FETCH lines never carry a body
	// literal; fetching message content happens separately via
	// UIDFetch.
	OnFetch    func(uid string) error
	OnVanished func(rangeStr string) error
}

// Session drives one IMAP command/response dialogue over a wire.Conn.
type Session struct {
	conn *wire.Conn
	log  *log.Logger
}

// New wraps conn. logger receives operational messages (logout
// failures); pass log.New(io.Discard, "", 0) to silence them.
func New(conn *wire.Conn, logger *log.Logger) *Session {
	return &Session{conn: conn, log: logger}
}

// WaitForGreeting blocks for the server's initial "* OK" line.
func (s *Session) WaitForGreeting() error {
	line, err := s.conn.ReadLine()
	if err != nil {
		return eris.Wrap(err, "session: read greeting")
	}
	if !protocol.IsGreeting(line) {
		return eris.Wrapf(eris.New("session: expected greeting"), "got %q", line)
	}
	return nil
}

// runSimple sends "<tag> <verb> <args>" and loops until the tagged
// completion, handing every untagged line in between to onUntagged.
func (s *Session) runSimple(tag, verb, args string, onUntagged func(line string) error) error {
	if args != "" {
		if err := s.conn.Sendf("%s %s %s", tag, verb, args); err != nil {
			return err
		}
	} else {
		if err := s.conn.Sendf("%s %s", tag, verb); err != nil {
			return err
		}
	}
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return eris.Wrapf(err, "session: %s", verb)
		}
		if status, rest, ok := protocol.ParseCompletion(line, tag); ok {
			if status == protocol.OK {
				return nil
			}
			return eris.Wrapf(eris.New("session: command failed"), "%s: %s", verb, rest)
		}
		if onUntagged != nil {
			if err := onUntagged(line); err != nil {
				return err
			}
		}
	}
}

// Login sends LOGIN with the plaintext credentials.
func (s *Session) Login(user, pass string) error {
	return s.runSimple("login", "login", user+" "+pass, nil)
}

// EnableQResync sends ENABLE QRESYNC.
func (s *Session) EnableQResync() error {
	return s.runSimple("qresync", "enable", "qresync", nil)
}

// Select sends SELECT, or SELECT ... (QRESYNC (...)) when qr is
// non-nil, dispatching untagged responses to ev.
func (s *Session) Select(mailbox string, qr *QResyncParams, ev SelectEvents) error {
	args := mailbox
	if qr != nil {
		args = mailbox + " (QRESYNC (" + qr.UIDValidity + " " + qr.HighestModSeq + "))"
	}
	return s.runSimple("select", "select", args, func(line string) error {
		return s.dispatchSelectLine(line, ev)
	})
}

func (s *Session) dispatchSelectLine(line string, ev SelectEvents) error {
	if n, ok := protocol.ParseExists(line); ok {
		if ev.OnExists != nil {
			ev.OnExists(n)
		}
		return nil
	}
	if digits, ok := protocol.ParseUIDValidity(line); ok {
		if ev.OnUIDValidity != nil {
			return ev.OnUIDValidity(digits)
		}
		return nil
	}
	if digits, ok := protocol.ParseHighestModSeq(line); ok {
		if ev.OnHighestModSeq != nil {
			return ev.OnHighestModSeq(digits)
		}
		return nil
	}
	if rangeStr, ok := protocol.ParseVanished(line); ok {
		if ev.OnVanished != nil {
			return ev.OnVanished(rangeStr)
		}
		return nil
	}
	if uid, ok := protocol.ParseFetchUID(line); ok {
		if ev.OnFetch != nil {
			return ev.OnFetch(uid)
		}
		return nil
	}
	return nil
}

// UIDFetch issues "UID FETCH <rangeStr> RFC822" and streams each
// returned literal body to onFetch, then asserts the trailing ")\r\n"
// close line for each FETCH tuple.
func (s *Session) UIDFetch(rangeStr string, onFetch func(uid string, size int, body io.Reader) error) error {
	return s.runSimple("fetch", "uid fetch", rangeStr+" RFC822", func(line string) error {
		uid, size, ok := protocol.ParseFetchHeader(line)
		if !ok {
			return nil
		}
		body, closeBody, err := s.openLiteral(size)
		if err != nil {
			return err
		}
		err = onFetch(uid, size, body)
		if cerr := closeBody(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})
}

// openLiteral reads the size-byte literal body following a FETCH
// header into memory and exposes it as an io.Reader, then verifies
// the trailing ")\r\n" close line once the caller is done with it.
func (s *Session) openLiteral(size int) (io.Reader, func() error, error) {
	data, err := s.conn.ReadLiteral(size)
	if err != nil {
		return nil, nil, eris.Wrap(err, "session: read fetch literal")
	}
	return newByteReader(data), func() error {
		line, err := s.conn.ReadLine()
		if err != nil {
			return eris.Wrap(err, "session: read fetch close line")
		}
		if !hasCRLFCloseSuffix(line) {
			return eris.Wrapf(eris.New("session: malformed fetch close line"), "got %q", line)
		}
		return nil
	}, nil
}

func hasCRLFCloseSuffix(line string) bool {
	return len(line) >= 3 && line[len(line)-3:] == ")\r\n"
}

// Idle sends IDLE and blocks for the "+" continuation.
func (s *Session) Idle() error {
	if err := s.conn.Sendf("idle idle"); err != nil {
		return err
	}
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return eris.Wrap(err, "session: idle continuation")
		}
		if protocol.IsContinuation(line) {
			return nil
		}
	}
}

// IdleWaitForExists blocks until an untagged EXISTS response signals
// new mail, then returns the new message count.
func (s *Session) IdleWaitForExists() (int, error) {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return 0, eris.Wrap(err, "session: idle wait")
		}
		if n, ok := protocol.ParseExists(line); ok {
			return n, nil
		}
	}
}

// Done sends DONE and waits for the idle command's tagged completion.
func (s *Session) Done() error {
	if err := s.conn.Sendf("DONE"); err != nil {
		return err
	}
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return eris.Wrap(err, "session: idle done")
		}
		if status, rest, ok := protocol.ParseCompletion(line, "idle"); ok {
			if status == protocol.OK {
				return nil
			}
			return eris.Wrapf(eris.New("session: idle failed"), "%s", rest)
		}
	}
}

// Logout sends LOGOUT. Failure is logged and swallowed: by the time
// Logout runs, the work worth preserving is already durable on disk.
func (s *Session) Logout() {
	err := s.runSimple("logout", "logout", "", nil)
	if err != nil && s.log != nil {
		s.log.Printf("WARN: logout: %v", err)
	}
}

func newByteReader(data []byte) io.Reader {
	return &byteReader{data: data}
}

type byteReader struct {
	data []byte
	pos  int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
