package engine

import (
	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/session"
)

// Idle waits for a single change notification on mailbox and returns.
// It is single-shot by design; a supervisor process outside this
// engine is expected to re-invoke it in a loop.
func (e *Engine) Idle() error {
	username, password, mailbox, err := e.credentials()
	if err != nil {
		return err
	}

	if err := e.loginAndSelectPrep(username, password); err != nil {
		return err
	}
	if err := e.Session.Select(mailbox, nil, session.SelectEvents{}); err != nil {
		return eris.Wrapf(err, "engine: select %s", mailbox)
	}
	if err := e.Session.Idle(); err != nil {
		return eris.Wrap(err, "engine: idle")
	}
	n, err := e.Session.IdleWaitForExists()
	if err != nil {
		return eris.Wrap(err, "engine: idle wait")
	}
	e.Log.Printf("mailbox now reports %d messages, ending idle", n)
	if err := e.Session.Done(); err != nil {
		return eris.Wrap(err, "engine: idle done")
	}
	e.Session.Logout()
	return nil
}
