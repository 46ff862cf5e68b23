package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from in and writes questions to out. Secrets are
// read without echo when in is a terminal.
type Prompter struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, reader: bufio.NewReader(in), out: out}
}

func (p *Prompter) terminalFd() (int, bool) {
	f, ok := p.in.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Line asks for a non-empty value, asking again on blank answers.
func (p *Prompter) Line(label string) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		v, err := p.readLine()
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		fmt.Fprintf(p.out, "%s cannot be empty.\n", label)
	}
}

// Password asks for a secret with masked input, falling back to a plain
// line read when in is not a terminal.
func (p *Prompter) Password(label string) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		var v string
		if fd, ok := p.terminalFd(); ok {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(p.out)
			if err != nil {
				return "", err
			}
			v = strings.TrimSpace(string(b))
		} else {
			line, err := p.readLine()
			if err != nil {
				return "", err
			}
			v = line
		}
		if v != "" {
			return v, nil
		}
		fmt.Fprintf(p.out, "%s cannot be empty.\n", label)
	}
}

// Confirm asks a yes/no question; anything but y or yes is no.
func (p *Prompter) Confirm(message string) bool {
	for {
		fmt.Fprintf(p.out, "%s [y/N]: ", message)
		line, err := p.readLine()
		if err != nil {
			return false
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true
		case "n", "no", "":
			return false
		default:
			fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
		}
	}
}
