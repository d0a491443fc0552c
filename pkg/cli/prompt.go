// Package cli implements line-oriented terminal prompts for setup wizards.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. Once input is
// exhausted every question resolves to its default.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int // terminal file descriptor, or -1
	eof bool
}

// New returns a Prompter reading from in and writing to out.
func New(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
	}
	return p
}

// Stdio returns a Prompter on the process's standard streams.
func Stdio() *Prompter {
	return New(os.Stdin, os.Stdout)
}

// Out is the writer prompts are printed to.
func (p *Prompter) Out() io.Writer { return p.out }

// Section prints a heading that groups the questions after it.
func (p *Prompter) Section(title string) {
	_, _ = fmt.Fprintf(p.out, "\n%s\n", title)
}

func (p *Prompter) line() (string, bool) {
	if p.eof {
		return "", false
	}
	s, err := p.in.ReadString('\n')
	if errors.Is(err, io.EOF) {
		p.eof = true
		if s == "" {
			return "", false
		}
	} else if err != nil {
		p.eof = true
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Text asks for free text. An empty answer selects def.
func (p *Prompter) Text(label, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(p.out, "  %s [%s]: ", label, def)
	} else {
		_, _ = fmt.Fprintf(p.out, "  %s: ", label)
	}
	if s, ok := p.line(); ok && s != "" {
		return s
	}
	return def
}

// Secret asks for a value without echoing it when reading from a terminal.
func (p *Prompter) Secret(label string) string {
	_, _ = fmt.Fprintf(p.out, "  %s: ", label)
	if p.fd >= 0 {
		b, err := term.ReadPassword(p.fd)
		_, _ = fmt.Fprintln(p.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	s, _ := p.line()
	return s
}

// ask repeats label until parse accepts the answer. An empty answer or
// exhausted input selects def.
func ask[T any](p *Prompter, label, def, hint string, parse func(string) (T, bool)) T {
	for {
		ans := p.Text(label, def)
		if v, ok := parse(ans); ok {
			return v
		}
		if p.eof {
			v, _ := parse(def)
			return v
		}
		_, _ = fmt.Fprintf(p.out, "    %s\n", hint)
	}
}

// Port asks for a TCP port number.
func (p *Prompter) Port(label string, def int) int {
	return ask(p, label, strconv.Itoa(def), "Enter a port between 1 and 65535.", func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n >= 1 && n <= 65535
	})
}

// Duration asks for a Go duration such as "30s" or "720h". def of zero is
// shown as "0s".
func (p *Prompter) Duration(label string, def time.Duration) time.Duration {
	return ask(p, label, def.String(), `Enter a duration such as "30s", "5m" or "720h".`, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d >= 0
	})
}

// Select lists options and returns the chosen one. def indexes options.
func (p *Prompter) Select(label string, options []string, def int) string {
	_, _ = fmt.Fprintf(p.out, "  %s\n", label)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		_, _ = fmt.Fprintf(p.out, "   %s %d) %s\n", mark, i+1, opt)
	}
	hint := fmt.Sprintf("Enter a number from 1 to %d, or the option name.", len(options))
	return ask(p, "Choice", strconv.Itoa(def+1), hint, func(s string) (string, bool) {
		if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		for _, opt := range options {
			if strings.EqualFold(s, opt) {
				return opt, true
			}
		}
		return "", false
	})
}

// YesNo asks a yes/no question.
func (p *Prompter) YesNo(label string, def bool) bool {
	d := "n"
	if def {
		d = "y"
	}
	return ask(p, label+" (y/n)", d, "Answer y or n.", func(s string) (bool, bool) {
		switch strings.ToLower(s) {
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
		return false, false
	})
}
