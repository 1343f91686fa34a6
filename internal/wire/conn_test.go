package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	c := New(strings.NewReader("* OK hi\r\nlogin OK done\r\n"), &bytes.Buffer{}, nil)

	line, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "* OK hi\r\n" {
		t.Fatalf("got %q", line)
	}

	line, err = c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "login OK done\r\n" {
		t.Fatalf("got %q", line)
	}
}

func TestReadLineTruncatedEOF(t *testing.T) {
	c := New(strings.NewReader("no newline here"), &bytes.Buffer{}, nil)
	if _, err := c.ReadLine(); err == nil {
		t.Fatal("expected error on truncated line")
	}
}

func TestReadLiteralExact(t *testing.T) {
	body := "hi\r\n)\r\n"
	c := New(strings.NewReader(body), &bytes.Buffer{}, nil)

	lit, err := c.ReadLiteral(4)
	if err != nil {
		t.Fatalf("ReadLiteral: %v", err)
	}
	if string(lit) != "hi\r\n" {
		t.Fatalf("got %q", lit)
	}

	rest, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine after literal: %v", err)
	}
	if rest != ")\r\n" {
		t.Fatalf("got %q", rest)
	}
}

func TestReadLiteralAcrossMultipleLines(t *testing.T) {
	body := "line one\r\nline two\r\n)\r\n"
	c := New(strings.NewReader(body), &bytes.Buffer{}, nil)

	n := len("line one\r\n") + len("line two\r\n")
	lit, err := c.ReadLiteral(n)
	if err != nil {
		t.Fatalf("ReadLiteral: %v", err)
	}
	if string(lit) != "line one\r\nline two\r\n" {
		t.Fatalf("got %q", lit)
	}

	rest, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if rest != ")\r\n" {
		t.Fatalf("got %q", rest)
	}
}

func TestReadLiteralDoesNotOverRead(t *testing.T) {
	// A literal shorter than the line it ends mid-way through: the
	// remainder must still be visible to the following ReadLine.
	body := "ab" + "cd)\r\n"
	c := New(strings.NewReader(body), &bytes.Buffer{}, nil)

	lit, err := c.ReadLiteral(2)
	if err != nil {
		t.Fatalf("ReadLiteral: %v", err)
	}
	if string(lit) != "ab" {
		t.Fatalf("got %q", lit)
	}

	rest, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if rest != "cd)\r\n" {
		t.Fatalf("got %q", rest)
	}
}

func TestSendfAppendsCRLFAndMirrors(t *testing.T) {
	var out bytes.Buffer
	var diag bytes.Buffer
	c := New(strings.NewReader(""), &out, &diag)

	if err := c.Sendf("login login %s %s", "alice", "secret"); err != nil {
		t.Fatalf("Sendf: %v", err)
	}
	if out.String() != "login login alice secret\r\n" {
		t.Fatalf("got %q", out.String())
	}
	if !strings.Contains(diag.String(), "send") {
		t.Fatalf("expected diagnostic mirror, got %q", diag.String())
	}
}

func TestSendfFlushesBufferedWriter(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	c := New(strings.NewReader(""), bw, nil)

	if err := c.Sendf("idle idle"); err != nil {
		t.Fatalf("Sendf: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected Sendf to flush the underlying buffered writer")
	}
}
