// imap-mh mirrors a single IMAP mailbox into a flat MH-style directory
// using QRESYNC, reading server responses on stdin and writing
// commands on stdout. Pair it with a TLS tunnel (e.g. socat or stunnel)
// to reach a real server.
//
// Usage:
//
//	imap-mh init      Prompt for credentials and write .username/.password/.mailbox
//	imap-mh download  Initial bulk mirror of the mailbox
//	imap-mh update    Incremental QRESYNC reconcile
//	imap-mh idle      Wait for one change notification, then exit
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/rotisserie/eris"

	"github.com/arthurchoung/imap-mh/internal/credentials"
	"github.com/arthurchoung/imap-mh/internal/engine"
	"github.com/arthurchoung/imap-mh/internal/maildir"
	"github.com/arthurchoung/imap-mh/internal/session"
	"github.com/arthurchoung/imap-mh/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	debug := os.Getenv("IMAP_MH_DEBUG") == "1"
	logger := log.New(os.Stderr, "imap-mh: ", 0)

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(logger)
	case "download":
		err = runDownload(logger, debug)
	case "update":
		err = runUpdate(logger, debug)
	case "idle":
		err = runIdle(logger, debug)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if debug {
			logger.Printf("%+v", err)
		} else {
			logger.Printf("%v", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: imap-mh <command>

Commands:
  init      Prompt for credentials and write .username/.password/.mailbox
  download  Initial bulk mirror of the mailbox
  update    Incremental QRESYNC reconcile
  idle      Wait for one change notification, then exit

Environment:
  IMAP_MH_DEBUG=1   Mirror every wire send/recv line to stderr and log errors with a stack trace`)
}

func runInit(logger *log.Logger) error {
	cwd, err := os.Getwd()
	if err != nil {
		return eris.Wrap(err, "imap-mh: getwd")
	}
	store := maildir.New(cwd)
	empty, err := store.IsEmpty()
	if err != nil {
		return err
	}
	if !empty {
		return eris.Wrap(maildir.ErrDirNotEmpty, "imap-mh: init requires an empty directory")
	}

	username, password, mailbox, err := credentials.Prompt(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if err := store.WriteLineExclusive(".username", username); err != nil {
		return err
	}
	if err := store.WriteLineExclusive(".password", password); err != nil {
		return err
	}
	if err := store.WriteLineExclusive(".mailbox", mailbox); err != nil {
		return err
	}
	logger.Printf("initialized %s for mailbox %s", cwd, mailbox)
	return nil
}

func runDownload(logger *log.Logger, debug bool) error {
	e, err := newEngine(logger, debug)
	if err != nil {
		return err
	}
	return e.Download()
}

func runUpdate(logger *log.Logger, debug bool) error {
	e, err := newEngine(logger, debug)
	if err != nil {
		return err
	}
	return e.Update()
}

func runIdle(logger *log.Logger, debug bool) error {
	e, err := newEngine(logger, debug)
	if err != nil {
		return err
	}
	return e.Idle()
}

func newEngine(logger *log.Logger, debug bool) (*engine.Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "imap-mh: getwd")
	}

	var diag io.Writer = io.Discard
	if debug {
		diag = os.Stderr
	}
	conn := wire.New(os.Stdin, os.Stdout, diag)
	sess := session.New(conn, logger)
	store := maildir.New(cwd)
	return engine.New(sess, store, logger), nil
}
