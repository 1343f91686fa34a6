package maildir

import (
	"os"

	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/protocol"
)

const qresyncName = ".qresync"

// QresyncLog is the append-only staging log written during update and
// read back in three independent passes. Each pass reopens and
// rescans the file from scratch rather than working off an in-memory
// structure: the reference implementation's re-open-per-pass
// semantics are what makes an interrupted update's next attempt
// idempotent, so this preserves that shape rather than parsing the
// log once up front.
type QresyncLog struct {
	dir *Dir
	f   *os.File
}

// QresyncExists reports whether a .qresync file is already present, which
// means a previous update did not finish cleanly.
func (d *Dir) QresyncExists() bool {
	_, err := os.Lstat(d.path(qresyncName))
	return err == nil
}

// CreateQresyncLog creates .qresync exclusively and returns a handle
// for appending records to it.
func (d *Dir) CreateQresyncLog() (*QresyncLog, error) {
	f, err := os.OpenFile(d.path(qresyncName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, eris.Wrap(ErrQresyncExists, "maildir: .qresync")
		}
		return nil, eris.Wrap(err, "maildir: create .qresync")
	}
	return &QresyncLog{dir: d, f: f}, nil
}

// Append writes one "<kind> <value>" record.
func (q *QresyncLog) Append(kind, value string) error {
	if _, err := q.f.WriteString(kind + " " + value + "\n"); err != nil {
		return eris.Wrap(err, "maildir: append .qresync")
	}
	return nil
}

// Close flushes and closes the log for writing.
func (q *QresyncLog) Close() error {
	return q.f.Close()
}

// RemoveQresyncLog unlinks .qresync, ending the staged update.
func (d *Dir) RemoveQresyncLog() error {
	if err := os.Remove(d.path(qresyncName)); err != nil {
		return eris.Wrap(err, "maildir: remove .qresync")
	}
	return nil
}

// ForEachFetch reopens .qresync and calls fn once per recorded "fetch
// <uid>" line, in file order.
func (d *Dir) ForEachFetch(fn func(uid string) error) error {
	return d.forEachKind("fetch", func(value string) error {
		if !protocol.IsDigits(value) {
			return nil
		}
		return fn(value)
	})
}

// ForEachVanished reopens .qresync and calls fn once per recorded
// "vanished <range>" line.
func (d *Dir) ForEachVanished(fn func(rangeStr string) error) error {
	return d.forEachKind("vanished", fn)
}

// ForEachHighestModSeq reopens .qresync and calls fn with the value of
// the first recorded "highestmodseq <digits>" line, matching the
// reference implementation's stop-after-first-match behavior (only
// one HIGHESTMODSEQ is ever reported per SELECT).
func (d *Dir) ForEachHighestModSeq(fn func(value string) error) error {
	found := false
	err := d.forEachKind("highestmodseq", func(value string) error {
		if found {
			return nil
		}
		found = true
		return fn(value)
	})
	return err
}

func (d *Dir) forEachKind(kind string, fn func(value string) error) error {
	f, scanner, err := d.newLineScanner(qresyncName)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	defer f.Close()

	prefix := kind + " "
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
			continue
		}
		if err := fn(line[len(prefix):]); err != nil {
			return err
		}
	}
	return scanner.Err()
}
