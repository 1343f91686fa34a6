package engine_test

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/arthurchoung/imap-mh/internal/engine"
	"github.com/arthurchoung/imap-mh/internal/maildir"
	"github.com/arthurchoung/imap-mh/internal/session"
	"github.com/arthurchoung/imap-mh/internal/wire"
)

func newEngine(t *testing.T, dir string) (*engine.Engine, io.Writer, io.Reader) {
	t.Helper()
	clientFromServer, serverToClient := io.Pipe()
	serverFromClient, clientToServer := io.Pipe()

	conn := wire.New(clientFromServer, clientToServer, io.Discard)
	logger := log.New(io.Discard, "", 0)
	sess := session.New(conn, logger)
	store := maildir.New(dir)
	e := engine.New(sess, store, logger)
	return e, serverToClient, serverFromClient
}

func writeState(t *testing.T, dir string, name, value string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDownloadFreshTwoMessages(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")

	e, toClient, fromClient := newEngine(t, dir)

	steps := []step{
		{expectContains: "login login alice secret", reply: "login OK done\r\n"},
		{expectContains: "qresync enable qresync", reply: "qresync OK done\r\n"},
		{expectContains: "select select INBOX", reply: "" +
			"* 2 EXISTS\r\n" +
			"* OK [UIDVALIDITY 17] UIDs valid\r\n" +
			"* OK [HIGHESTMODSEQ 42] ok\r\n" +
			"select OK done\r\n"},
		{expectContains: "fetch uid fetch 1:* RFC822", reply: "" +
			"* 1 FETCH (UID 7 RFC822 {4}\r\nhi\r\n)\r\n" +
			"* 2 FETCH (UID 9 RFC822 {5}\r\nbye\r\n)\r\n" +
			"fetch OK done\r\n"},
		{expectContains: "logout logout", reply: "logout OK done\r\n"},
	}
	done := scriptedServer(t, toClient, fromClient, "* OK hi\r\n", steps)

	if err := e.Download(); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	assertFileContents(t, dir, ".uidvalidity", "17")
	assertFileContents(t, dir, ".highestmodseq", "42")
	assertFileContents(t, dir, ".7", "hi\n")
	assertFileContents(t, dir, ".9", "bye\n")
}

func TestUpdateNoChanges(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")
	writeState(t, dir, ".uidvalidity", "17")
	writeState(t, dir, ".highestmodseq", "42")
	writeState(t, dir, ".7", "hi\n")
	writeState(t, dir, ".9", "bye\n")

	e, toClient, fromClient := newEngine(t, dir)

	steps := []step{
		{expectContains: "login login alice secret", reply: "login OK done\r\n"},
		{expectContains: "qresync enable qresync", reply: "qresync OK done\r\n"},
		{expectContains: "select select INBOX (QRESYNC (17 42))", reply: "" +
			"* OK [UIDVALIDITY 17] ok\r\n" +
			"* OK [HIGHESTMODSEQ 42] ok\r\n" +
			"select OK done\r\n"},
		{expectContains: "logout logout", reply: "logout OK done\r\n"},
	}
	done := scriptedServer(t, toClient, fromClient, "* OK hi\r\n", steps)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	assertFileContents(t, dir, ".highestmodseq", "42")
	assertFileContents(t, dir, ".7", "hi\n")
	assertFileContents(t, dir, ".9", "bye\n")
	if _, err := os.Stat(filepath.Join(dir, ".qresync")); !os.IsNotExist(err) {
		t.Fatal("expected .qresync to be removed")
	}
}

func TestUpdateVanishAndNewFetch(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")
	writeState(t, dir, ".uidvalidity", "17")
	writeState(t, dir, ".highestmodseq", "42")
	writeState(t, dir, ".7", "old\n")
	writeState(t, dir, ".9", "bye\n")

	e, toClient, fromClient := newEngine(t, dir)

	steps := []step{
		{expectContains: "login login alice secret", reply: "login OK done\r\n"},
		{expectContains: "qresync enable qresync", reply: "qresync OK done\r\n"},
		{expectContains: "select select INBOX (QRESYNC (17 42))", reply: "" +
			"* OK [UIDVALIDITY 17] ok\r\n" +
			"* OK [HIGHESTMODSEQ 50] ok\r\n" +
			"* VANISHED (EARLIER) 7\r\n" +
			"* 2 FETCH (UID 11 UID 11)\r\n" +
			"select OK done\r\n"},
		{expectContains: "fetch uid fetch 11 RFC822", reply: "" +
			"* 1 FETCH (UID 11 RFC822 {4}\r\nok\r\n)\r\n" +
			"fetch OK done\r\n"},
		{expectContains: "logout logout", reply: "logout OK done\r\n"},
	}
	done := scriptedServer(t, toClient, fromClient, "* OK hi\r\n", steps)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".7")); !os.IsNotExist(err) {
		t.Fatal("expected .7 removed after vanish")
	}
	assertFileContents(t, dir, ".9", "bye\n")
	assertFileContents(t, dir, ".11", "ok\n")
	assertFileContents(t, dir, ".highestmodseq", "50")
}

func TestUpdateUIDValidityMismatchAborts(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")
	writeState(t, dir, ".uidvalidity", "17")
	writeState(t, dir, ".highestmodseq", "42")
	writeState(t, dir, ".7", "old\n")

	e, toClient, fromClient := newEngine(t, dir)

	steps := []step{
		{expectContains: "login login alice secret", reply: "login OK done\r\n"},
		{expectContains: "qresync enable qresync", reply: "qresync OK done\r\n"},
		{expectContains: "select select INBOX (QRESYNC (17 42))", reply: "" +
			"* OK [UIDVALIDITY 99] ok\r\n"},
	}
	done := scriptedServer(t, toClient, fromClient, "* OK hi\r\n", steps)

	err := e.Update()
	if err == nil {
		t.Fatal("expected UIDVALIDITY mismatch to be fatal")
	}
	<-done // the script ends with the select reply, so the server goroutine finishes; its result is not checked

	if _, err := os.Stat(filepath.Join(dir, ".7")); err != nil {
		t.Fatal("expected .7 to remain untouched")
	}
	assertFileContents(t, dir, ".highestmodseq", "42")
	if _, err := os.Stat(filepath.Join(dir, ".qresync")); err != nil {
		t.Fatal("expected .qresync to remain for operator inspection")
	}
}

func TestUpdateSkipsAlreadyFetchedUID(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")
	writeState(t, dir, ".uidvalidity", "17")
	writeState(t, dir, ".highestmodseq", "42")
	// .9 already landed on disk from a run that crashed before fetching
	// UID 11; a rerun must not re-request it.
	writeState(t, dir, ".9", "bye\n")

	e, toClient, fromClient := newEngine(t, dir)

	steps := []step{
		{expectContains: "login login alice secret", reply: "login OK done\r\n"},
		{expectContains: "qresync enable qresync", reply: "qresync OK done\r\n"},
		{expectContains: "select select INBOX (QRESYNC (17 42))", reply: "" +
			"* OK [UIDVALIDITY 17] ok\r\n" +
			"* OK [HIGHESTMODSEQ 50] ok\r\n" +
			"* 2 FETCH (UID 9 UID 9)\r\n" +
			"* 3 FETCH (UID 11 UID 11)\r\n" +
			"select OK done\r\n"},
		{expectContains: "fetch uid fetch 11 RFC822", reply: "" +
			"* 1 FETCH (UID 11 RFC822 {4}\r\nok\r\n)\r\n" +
			"fetch OK done\r\n"},
		{expectContains: "logout logout", reply: "logout OK done\r\n"},
	}
	done := scriptedServer(t, toClient, fromClient, "* OK hi\r\n", steps)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	assertFileContents(t, dir, ".9", "bye\n")
	assertFileContents(t, dir, ".11", "ok\n")
	assertFileContents(t, dir, ".highestmodseq", "50")
}

func TestUpdateRefusesWhenQresyncLogAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, ".username", "alice")
	writeState(t, dir, ".password", "secret")
	writeState(t, dir, ".mailbox", "INBOX")
	writeState(t, dir, ".uidvalidity", "17")
	writeState(t, dir, ".highestmodseq", "42")
	writeState(t, dir, ".qresync", "fetch 11\n")

	e, _, _ := newEngine(t, dir)

	if err := e.Update(); err == nil {
		t.Fatal("expected error when .qresync already exists")
	}
}

func assertFileContents(t *testing.T, dir, name, want string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if string(data) != want {
		t.Fatalf("%s = %q, want %q", name, data, want)
	}
}
