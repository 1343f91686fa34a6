// Package credentials implements the interactive username/password/
// mailbox capture the init subcommand drives, suppressing terminal
// echo for the password.
package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/term"
)

// Prompt writes the three prompts to out and reads the answers from
// stdin. The password is read with echo suppressed when stdin is
// backed by a terminal; otherwise it falls back to a scanned line so
// callers can drive it in tests without a real TTY.
func Prompt(stdin io.Reader, out io.Writer) (username, password, mailbox string, err error) {
	scanner := bufio.NewScanner(stdin)

	username, err = promptLine(scanner, out, "Username: ")
	if err != nil {
		return "", "", "", err
	}

	password, err = promptPassword(stdin, scanner, out)
	if err != nil {
		return "", "", "", err
	}

	mailbox, err = promptLine(scanner, out, "Mailbox: ")
	if err != nil {
		return "", "", "", err
	}

	return username, password, mailbox, nil
}

func promptLine(scanner *bufio.Scanner, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", eris.Wrap(err, "credentials: read "+label)
		}
		return "", eris.New("credentials: unexpected end of input reading " + label)
	}
	return scanner.Text(), nil
}

func promptPassword(stdin io.Reader, scanner *bufio.Scanner, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", eris.Wrap(err, "credentials: read password")
		}
		return string(data), nil
	}
	return promptLine(scanner, out, "")
}
