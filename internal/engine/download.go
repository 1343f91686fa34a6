package engine

import (
	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/maildir"
	"github.com/arthurchoung/imap-mh/internal/session"
)

// Download performs the initial bulk mirror of a mailbox: it requires
// the working directory to contain only the three init-written state
// files, then captures UIDVALIDITY/HIGHESTMODSEQ from SELECT and
// fetches every message in the mailbox.
func (e *Engine) Download() error {
	empty, err := e.Store.IsEmptyExcept(".username", ".password", ".mailbox")
	if err != nil {
		return err
	}
	if !empty {
		return eris.Wrap(maildir.ErrDirNotEmpty, "engine: download requires an empty directory (excluding .username .password .mailbox)")
	}

	username, password, mailbox, err := e.credentials()
	if err != nil {
		return err
	}

	if err := e.loginAndSelectPrep(username, password); err != nil {
		return err
	}
	if err := e.Session.EnableQResync(); err != nil {
		return eris.Wrap(err, "engine: enable qresync")
	}

	var writeErr error
	ev := session.SelectEvents{
		OnExists: func(n int) { e.Log.Printf("mailbox has %d messages", n) },
		OnUIDValidity: func(digits string) error {
			if err := e.Store.WriteLineExclusive(".uidvalidity", digits); err != nil {
				writeErr = err
				return err
			}
			return nil
		},
		OnHighestModSeq: func(digits string) error {
			if err := e.Store.WriteLineExclusive(".highestmodseq", digits); err != nil {
				writeErr = err
				return err
			}
			return nil
		},
	}
	if err := e.Session.Select(mailbox, nil, ev); err != nil {
		if writeErr != nil {
			return writeErr
		}
		return eris.Wrapf(err, "engine: select %s", mailbox)
	}

	if err := e.Session.UIDFetch("1:*", e.fetchAndStore); err != nil {
		return eris.Wrap(err, "engine: initial fetch")
	}

	e.Session.Logout()
	return nil
}
