// Package wire implements the line-oriented transport under the IMAP
// session: CR-LF terminated commands and responses, plus exact-byte
// literal payloads, read and written over whatever streams the caller
// hands in (normally stdin/stdout of a process spawned under a TLS
// tunnel such as socat).
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// maxLineLength bounds a single CR-LF terminated line, including the
// terminator. Real servers stay well under this; a longer line is
// treated as a protocol violation rather than resized for.
const maxLineLength = 1024

// ErrLineTooLong is returned when a line, including its terminating
// LF, is longer than maxLineLength.
var ErrLineTooLong = eris.New("wire: line exceeds maximum length")

// Conn is the line transport for one IMAP session. It is not
// safe for concurrent use; the engine owns one Conn per invocation.
type Conn struct {
	r    *bufio.Reader
	w    io.Writer
	diag io.Writer
}

// New wraps r (server responses) and w (commands sent to the server).
// diag receives a mirror of every line sent and received, prefixed
// "send " / "recv "; pass io.Discard to disable mirroring.
func New(r io.Reader, w io.Writer, diag io.Writer) *Conn {
	if diag == nil {
		diag = io.Discard
	}
	return &Conn{r: bufio.NewReaderSize(r, maxLineLength), w: w, diag: diag}
}

// ReadLine reads one line up to and including its terminating LF,
// with the CR (if present) preserved, so callers can make framing
// decisions on the raw bytes. It returns io.ErrUnexpectedEOF if the
// stream ends mid-line.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if len(line) > 0 {
				return "", eris.Wrap(io.ErrUnexpectedEOF, "wire: truncated line")
			}
			return "", eris.Wrap(io.EOF, "wire: read line")
		}
		return "", eris.Wrap(err, "wire: read line")
	}
	if len(line) > maxLineLength {
		return "", ErrLineTooLong
	}
	fmt.Fprintf(c.diag, "recv %q\n", line)
	return line, nil
}

// ReadLiteral reads exactly n bytes of a {n}-framed literal body. The
// server frames literals as a sequence of lines whose lengths sum to
// n; this reads line-by-line rather than via a single bulk read so it
// never consumes bytes belonging to the line that follows the
// literal.
func (c *Conn) ReadLiteral(n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		remaining := n - len(buf)
		chunk, err := c.readLiteralChunk(remaining)
		if err != nil {
			return nil, eris.Wrap(err, "wire: read literal")
		}
		if len(buf)+len(chunk) > n {
			return nil, eris.Wrap(io.ErrShortBuffer, "wire: literal over-read")
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// readLiteralChunk reads at most one line's worth of literal bytes,
// capped at remaining so a final partial line isn't over-consumed.
func (c *Conn) readLiteralChunk(remaining int) ([]byte, error) {
	line, err := c.r.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	if len(line) > remaining {
		// The line itself is larger than what's left of the literal;
		// this only happens if the server mis-framed the literal.
		consumed := line[:remaining]
		rest := line[remaining:]
		c.r = bufio.NewReaderSize(io.MultiReader(strings.NewReader(rest), c.r), maxLineLength)
		return []byte(consumed), nil
	}
	fmt.Fprintf(c.diag, "recv %q\n", line)
	return []byte(line), nil
}

// Sendf formats a command, appends a trailing CR-LF if missing,
// writes it, and mirrors the bytes sent to the diagnostic sink.
func (c *Conn) Sendf(format string, args ...any) error {
	s := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	if _, err := io.WriteString(c.w, s); err != nil {
		return eris.Wrap(err, "wire: write command")
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return eris.Wrap(err, "wire: flush command")
		}
	}
	fmt.Fprintf(c.diag, "send %q\n", s)
	return nil
}
