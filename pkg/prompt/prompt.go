// Package prompt implements the interactive questions kstack asks during
// installs: yes/no confirmations, numbered selections, and validated free
// text. When stdin is not a terminal every prompt resolves to its default so
// unattended runs don't hang.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from in and writes questions to out.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer

	// isTTY is overridable for tests.
	isTTY func() bool
}

// New returns a Prompter bound to stdin/stdout.
func New() *Prompter {
	return &Prompter{
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
		isTTY: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// NewWith returns a Prompter over explicit streams, treated as interactive.
// Used by tests.
func NewWith(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:    bufio.NewReader(in),
		out:   out,
		isTTY: func() bool { return true },
	}
}

// Confirm asks a yes/no question. Empty input selects the default. An error
// is returned only when input ends before an answer was given.
func (p *Prompter) Confirm(question string, defaultYes bool) (bool, error) {
	if !p.isTTY() {
		return defaultYes, nil
	}

	hint := "[Y/n]"
	if !defaultYes {
		hint = "[y/N]"
	}

	for {
		fmt.Fprintf(p.out, "%s %s: ", question, hint)
		line, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.out, "Invalid choice. Please select a valid value.")
	}
}

// Select asks the user to pick one of the given keys. Options print in the
// order given. Empty input selects def.
func (p *Prompter) Select(question string, options []Option, def string) (string, error) {
	if !p.isTTY() {
		return def, nil
	}

	valid := make(map[string]bool, len(options))
	for _, opt := range options {
		fmt.Fprintf(p.out, "  %s) %s\n", opt.Key, opt.Label)
		valid[opt.Key] = true
	}

	for {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
		line, err := p.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			line = def
		}
		if valid[line] {
			return line, nil
		}
		fmt.Fprintln(p.out, "Invalid choice. Please select a valid value.")
	}
}

// Option is one selectable entry for Select.
type Option struct {
	Key   string
	Label string
}

// String asks for free text. A non-nil pattern re-asks until the input
// matches. Empty input returns def when allowEmpty is set or def is not
// empty.
func (p *Prompter) String(question string, def string, allowEmpty bool, pattern *regexp.Regexp) (string, error) {
	if !p.isTTY() {
		return def, nil
	}

	for {
		if def != "" {
			fmt.Fprintf(p.out, "%s [%s]: ", question, def)
		} else {
			fmt.Fprintf(p.out, "%s: ", question)
		}
		line, err := p.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			if def != "" || allowEmpty {
				return def, nil
			}
			fmt.Fprintln(p.out, "Input must not be empty!")
			continue
		}
		if pattern != nil && !pattern.MatchString(line) {
			fmt.Fprintln(p.out, "Invalid input. Please try again.")
			continue
		}
		return line, nil
	}
}

// Number asks for an integer no smaller than min. Empty input selects def.
func (p *Prompter) Number(question string, min, def int) (int, error) {
	if !p.isTTY() {
		return def, nil
	}

	for {
		fmt.Fprintf(p.out, "%s [%d]: ", question, def)
		line, err := p.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			return def, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < min {
			fmt.Fprintf(p.out, "Please enter a number >= %d.\n", min)
			continue
		}
		return n, nil
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
