package engine

import (
	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/maildir"
	"github.com/arthurchoung/imap-mh/internal/protocol"
	"github.com/arthurchoung/imap-mh/internal/session"
)

// Update performs an incremental QRESYNC reconcile. It refuses to run
// if a .qresync file is already present (a previous run didn't finish
// cleanly) and otherwise stages every server-reported event into
// .qresync before committing any filesystem mutation, so a crash at
// any point leaves a directory a rerun can converge from.
func (e *Engine) Update() error {
	if e.Store.QresyncExists() {
		return eris.Wrap(maildir.ErrQresyncExists, "engine: a previous update did not finish; remove .qresync after investigating before retrying")
	}

	username, password, mailbox, err := e.credentials()
	if err != nil {
		return err
	}
	uidvalidity, err := e.Store.ReadDigitsLine(".uidvalidity")
	if err != nil {
		return err
	}
	highestmodseq, err := e.Store.ReadDigitsLine(".highestmodseq")
	if err != nil {
		return err
	}

	if err := e.loginAndSelectPrep(username, password); err != nil {
		return err
	}
	if err := e.Session.EnableQResync(); err != nil {
		return eris.Wrap(err, "engine: enable qresync")
	}

	log, err := e.Store.CreateQresyncLog()
	if err != nil {
		return err
	}

	sameHighestModSeq := false
	var stageErr error
	qr := &session.QResyncParams{UIDValidity: uidvalidity, HighestModSeq: highestmodseq}
	ev := session.SelectEvents{
		OnExists: func(n int) { e.Log.Printf("mailbox reports %d messages", n) },
		OnUIDValidity: func(digits string) error {
			if digits != uidvalidity {
				stageErr = eris.Wrapf(ErrUIDValidityMismatch, "engine: server=%s stored=%s", digits, uidvalidity)
				return stageErr
			}
			return log.Append("uidvalidity", digits)
		},
		OnHighestModSeq: func(digits string) error {
			if digits == highestmodseq {
				sameHighestModSeq = true
				return nil
			}
			return log.Append("highestmodseq", digits)
		},
		OnFetch: func(uid string) error {
			return log.Append("fetch", uid)
		},
		OnVanished: func(rangeStr string) error {
			return log.Append("vanished", rangeStr)
		},
	}
	selectErr := e.Session.Select(mailbox, qr, ev)
	log.Close()

	if stageErr != nil {
		// .qresync stays on disk for the operator per the spec's
		// precondition/consistency error taxonomy; nothing has been
		// deleted and .highestmodseq has not been rewritten.
		return stageErr
	}
	if selectErr != nil {
		return eris.Wrapf(selectErr, "engine: select %s (QRESYNC)", mailbox)
	}

	if !sameHighestModSeq {
		if err := e.runFetchPass(); err != nil {
			return err
		}
	}

	e.Session.Logout()

	if !sameHighestModSeq {
		if err := e.Store.ForEachVanished(func(rangeStr string) error {
			return e.Store.DeleteInRange(protocol.ParseRange(rangeStr))
		}); err != nil {
			return eris.Wrap(err, "engine: vanish pass")
		}
		if err := e.Store.ForEachHighestModSeq(func(value string) error {
			return e.Store.ReplaceHighestModSeq(value)
		}); err != nil {
			return eris.Wrap(err, "engine: highestmodseq pass")
		}
		if err := e.Store.DeleteAllSymlinks(); err != nil {
			return eris.Wrap(err, "engine: symlink wipe")
		}
	}

	if err := e.Store.RemoveQresyncLog(); err != nil {
		return err
	}
	return nil
}

// runFetchPass re-reads .qresync and fetches every recorded UID not
// already on disk. Rereading rather than working off the in-memory
// set recorded during Select is what makes a rerun after a crash only
// redo the still-missing work.
func (e *Engine) runFetchPass() error {
	return e.Store.ForEachFetch(func(uid string) error {
		if e.Store.MessageExists(uid) {
			return nil
		}
		return e.Session.UIDFetch(uid, e.fetchAndStore)
	})
}
