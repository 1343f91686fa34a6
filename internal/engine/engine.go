// Package engine implements the sync engine's three top-level
// operations — download, update, idle — orchestrating internal/session
// and internal/maildir per the QRESYNC reconciliation protocol.
package engine

import (
	"bufio"
	"io"
	"log"

	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/maildir"
	"github.com/arthurchoung/imap-mh/internal/session"
)

// ErrUIDValidityMismatch is fatal: the server's reported UIDVALIDITY
// disagrees with the value stored locally, meaning the mailbox was
// recreated and cannot be reconciled incrementally.
var ErrUIDValidityMismatch = eris.New("engine: server UIDVALIDITY does not match stored .uidvalidity")

// Engine owns one sync session and the local directory it reconciles
// against. A new Engine is created per invocation; there is no
// process-wide state.
type Engine struct {
	Session *session.Session
	Store   *maildir.Dir
	Log     *log.Logger
}

// New constructs an Engine. logger must not be nil; pass
// log.New(io.Discard, "", 0) to silence operational output.
func New(sess *session.Session, store *maildir.Dir, logger *log.Logger) *Engine {
	return &Engine{Session: sess, Store: store, Log: logger}
}

// credentials reads the three mailbox-state files an engine run needs
// beyond UIDVALIDITY/HIGHESTMODSEQ.
func (e *Engine) credentials() (username, password, mailbox string, err error) {
	username, err = e.Store.ReadLine(".username")
	if err != nil {
		return "", "", "", err
	}
	password, err = e.Store.ReadLine(".password")
	if err != nil {
		return "", "", "", err
	}
	mailbox, err = e.Store.ReadLine(".mailbox")
	if err != nil {
		return "", "", "", err
	}
	return username, password, mailbox, nil
}

// loginAndSelectPrep runs the greeting/LOGIN sequence shared by all
// three operations, before each caller's own ENABLE QRESYNC / SELECT
// sequence.
func (e *Engine) loginAndSelectPrep(username, password string) error {
	if err := e.Session.WaitForGreeting(); err != nil {
		return err
	}
	if err := e.Session.Login(username, password); err != nil {
		return eris.Wrap(err, "engine: login")
	}
	return nil
}

// fetchAndStore is the shared per-message materialization step used
// by download and update: it refuses to overwrite an existing message
// file and streams the body through maildir's CR-LF normalization.
func (e *Engine) fetchAndStore(uid string, size int, body io.Reader) error {
	if e.Store.MessageExists(uid) {
		return eris.Wrapf(maildir.ErrMessageExists, "engine: fetch returned already-stored UID %s", uid)
	}
	w, err := e.Store.CreateMessageWriter(uid)
	if err != nil {
		return eris.Wrapf(err, "engine: create message file for UID %s", uid)
	}
	if _, err := io.Copy(w, bufio.NewReader(body)); err != nil {
		w.Close()
		return eris.Wrapf(err, "engine: write message body for UID %s", uid)
	}
	if err := w.Close(); err != nil {
		return eris.Wrapf(err, "engine: close message file for UID %s", uid)
	}
	e.Log.Printf("fetched UID %s (%d bytes)", uid, size)
	return nil
}

