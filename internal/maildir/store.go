// Package maildir is the local state store: the flat MH-style
// directory of per-message files, mailbox-state files, managed
// symlinks, and the .qresync staging log that the sync engine
// reconciles against.
package maildir

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/protocol"
)

// Sentinel errors. They are returned wrapped with context, so callers
// can match them with eris.Is.
var (
	ErrMessageExists  = eris.New("maildir: message file already exists")
	ErrNotSymlink     = eris.New("maildir: digit-named entry is not a symlink")
	ErrDirNotEmpty    = eris.New("maildir: directory is not empty")
	ErrQresyncExists  = eris.New("maildir: .qresync already exists from a previous run")
	ErrStateNotDigits = eris.New("maildir: state file does not contain only digits")
)

// Dir is the working directory the engine mutates. It is always the
// process's current working directory; Root exists so tests can point
// it at a temp directory.
type Dir struct {
	Root string
}

// New returns a Dir rooted at root.
func New(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.Root, name)
}

// IsEmpty reports whether the directory contains no entries other
// than "." and "..".
func (d *Dir) IsEmpty() (bool, error) {
	return d.IsEmptyExcept()
}

// IsEmptyExcept reports whether the directory contains no entries
// other than those named in allow.
func (d *Dir) IsEmptyExcept(allow ...string) (bool, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return false, eris.Wrapf(err, "maildir: read dir %s", d.Root)
	}
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	for _, e := range entries {
		if !allowed[e.Name()] {
			return false, nil
		}
	}
	return true, nil
}

// ReadLine reads the single line stored in name, with its trailing
// newline (if any) stripped.
func (d *Dir) ReadLine(name string) (string, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		return "", eris.Wrapf(err, "maildir: read %s", name)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ReadDigitsLine reads name and fails unless its content is one or
// more ASCII decimal digits.
func (d *Dir) ReadDigitsLine(name string) (string, error) {
	line, err := d.ReadLine(name)
	if err != nil {
		return "", err
	}
	if !protocol.IsDigits(line) {
		return "", eris.Wrapf(ErrStateNotDigits, "maildir: %s = %q", name, line)
	}
	return line, nil
}

// WriteLineExclusive creates name containing value, failing if the
// file already exists so a crashed run can't silently clobber
// previously durable state.
func (d *Dir) WriteLineExclusive(name, value string) error {
	f, err := os.OpenFile(d.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return eris.Wrapf(err, "maildir: create %s", name)
	}
	defer f.Close()
	if _, err := io.WriteString(f, value); err != nil {
		return eris.Wrapf(err, "maildir: write %s", name)
	}
	return nil
}

// ReplaceHighestModSeq durably replaces .highestmodseq with value via
// write-then-rename, rather than the reference implementation's
// unlink-then-write, so a crash between the two steps can't leave the
// file briefly absent.
func (d *Dir) ReplaceHighestModSeq(value string) error {
	tmpName := ".highestmodseq.tmp-" + uuid.NewString()
	tmpPath := d.path(tmpName)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return eris.Wrap(err, "maildir: create highestmodseq temp file")
	}
	if _, err := io.WriteString(f, value); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return eris.Wrap(err, "maildir: write highestmodseq temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return eris.Wrap(err, "maildir: close highestmodseq temp file")
	}
	if err := os.Rename(tmpPath, d.path(".highestmodseq")); err != nil {
		os.Remove(tmpPath)
		return eris.Wrap(err, "maildir: rename highestmodseq temp file")
	}
	return nil
}

// messageName returns the on-disk filename for uid's message file.
func messageName(uid string) string {
	return "." + uid
}

// MessageExists reports whether the message file for uid is present.
func (d *Dir) MessageExists(uid string) bool {
	_, err := os.Lstat(d.path(messageName(uid)))
	return err == nil
}

// MessageWriter streams a fetched message body to disk, rewriting
// CR-LF to LF as it goes, while tracking the pre-normalization byte
// count so callers can verify it against the announced literal size.
type MessageWriter struct {
	f       *os.File
	pending bool // true if the previous Write ended on a bare '\r'
	read    int
}

// Write implements io.Writer. It returns the number of
// pre-normalization bytes consumed from p, not the number of bytes
// written to disk, matching the literal-exactness accounting the
// engine relies on.
func (w *MessageWriter) Write(p []byte) (int, error) {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		b := p[i]
		if w.pending {
			w.pending = false
			if b != '\n' {
				// The previous '\r' wasn't part of a CR-LF pair;
				// pass it through unchanged.
				out = append(out, '\r')
			}
		}
		if b == '\r' {
			w.pending = true
			continue
		}
		out = append(out, b)
	}
	if _, err := w.f.Write(out); err != nil {
		return 0, eris.Wrap(err, "maildir: write message body")
	}
	w.read += len(p)
	return len(p), nil
}

// Close flushes any pending bare CR and closes the underlying file.
func (w *MessageWriter) Close() error {
	if w.pending {
		if _, err := w.f.Write([]byte{'\r'}); err != nil {
			w.f.Close()
			return eris.Wrap(err, "maildir: flush trailing CR")
		}
		w.pending = false
	}
	return w.f.Close()
}

// CreateMessageWriter creates the message file for uid exclusively
// and returns a writer for its body. It is the caller's
// responsibility to have already checked MessageExists; this returns
// ErrMessageExists as a defensive double-check.
func (d *Dir) CreateMessageWriter(uid string) (*MessageWriter, error) {
	name := messageName(uid)
	if d.MessageExists(uid) {
		return nil, eris.Wrapf(ErrMessageExists, "maildir: %s", name)
	}
	f, err := os.OpenFile(d.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, eris.Wrapf(ErrMessageExists, "maildir: %s", name)
		}
		return nil, eris.Wrapf(err, "maildir: create %s", name)
	}
	return &MessageWriter{f: f}, nil
}

// isMessageFilename reports whether name is "." followed by one or
// more digits and nothing else.
func isMessageFilename(name string) (digits string, ok bool) {
	if len(name) < 2 || name[0] != '.' {
		return "", false
	}
	rest := name[1:]
	if !protocol.IsDigits(rest) {
		return "", false
	}
	return rest, true
}

// isAllDigits reports whether name consists entirely of ASCII digits
// (the naming convention for externally-managed message symlinks).
func isAllDigits(name string) bool {
	return protocol.IsDigits(name)
}

// DeleteInRange removes every message file whose UID falls within r.
func (d *Dir) DeleteInRange(r protocol.Range) error {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return eris.Wrapf(err, "maildir: read dir %s", d.Root)
	}
	for _, e := range entries {
		digits, ok := isMessageFilename(e.Name())
		if !ok {
			continue
		}
		if r.Contains(digits) {
			if err := os.Remove(d.path(e.Name())); err != nil {
				return eris.Wrapf(err, "maildir: unlink %s", e.Name())
			}
		}
	}
	return nil
}

// DeleteAllSymlinks removes every all-digit-named entry, which must
// each be a symlink managed by an external indexing layer; a
// digit-named regular file is a fatal consistency error.
func (d *Dir) DeleteAllSymlinks() error {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return eris.Wrapf(err, "maildir: read dir %s", d.Root)
	}
	for _, e := range entries {
		if !isAllDigits(e.Name()) {
			continue
		}
		info, err := os.Lstat(d.path(e.Name()))
		if err != nil {
			return eris.Wrapf(err, "maildir: lstat %s", e.Name())
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return eris.Wrapf(ErrNotSymlink, "maildir: %s", e.Name())
		}
		if err := os.Remove(d.path(e.Name())); err != nil {
			return eris.Wrapf(err, "maildir: unlink %s", e.Name())
		}
	}
	return nil
}

// newLineScanner opens name and returns a scanner over its lines, or
// (nil, nil, nil) if the file does not exist — an absent .qresync is
// not an error for the reread-per-pass helpers.
func (d *Dir) newLineScanner(name string) (*os.File, *bufio.Scanner, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, eris.Wrapf(err, "maildir: open %s", name)
	}
	return f, bufio.NewScanner(f), nil
}
