// Package cfgfile reads and rewrites the ad-hoc INI dialect used by
// printer.cfg, moonraker.conf, and friends. The dialect allows section names
// with spaces ("[update_manager mainsail]"), both "key: value" and
// "key = value" options, multi-line values as indented continuation lines,
// and # or ; comments.
//
// The rewriter is deliberately conservative: lines it does not touch are
// written back byte for byte, including comments, blank lines, and option
// ordering. That matters because these files are hand-edited by users and
// must survive a kstack run without gratuitous reformatting.
package cfgfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	sectionRe = regexp.MustCompile(`^\[(.+)\]\s*$`)
	optionRe  = regexp.MustCompile(`^([^\s#;][^:=]*?)\s*([:=])\s*(.*)$`)
)

// File is a parsed config file.
type File struct {
	// prelude holds raw lines before the first section header.
	prelude  []string
	sections []*section
}

type section struct {
	name  string
	lines []line
	added bool // created by AddSection, gets a separating blank line
}

type lineKind int

const (
	rawLine lineKind = iota // comment, blank, or anything unparsed
	optionLine
)

type line struct {
	kind lineKind
	raw  string

	// option fields, valid when kind == optionLine
	key   string
	sep   string // ":" or "="
	value string
	cont  []string // raw continuation lines, indentation preserved
	dirty bool     // regenerate instead of writing raw
}

// Load parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(string(data)), nil
}

// Parse parses config text.
func Parse(text string) *File {
	f := &File{}
	var cur *section
	lastOpt := -1 // index into cur.lines of the option continuations attach to

	appendRaw := func(raw string) {
		if cur == nil {
			f.prelude = append(f.prelude, raw)
			return
		}
		cur.lines = append(cur.lines, line{kind: rawLine, raw: raw})
	}

	for _, raw := range splitLines(text) {
		trimmed := strings.TrimSpace(raw)

		if m := sectionRe.FindStringSubmatch(raw); m != nil {
			cur = &section{name: strings.TrimSpace(m[1])}
			f.sections = append(f.sections, cur)
			lastOpt = -1
			continue
		}

		// Indented lines continue the preceding option's value.
		if lastOpt >= 0 && raw != "" && (raw[0] == ' ' || raw[0] == '\t') && trimmed != "" {
			cur.lines[lastOpt].cont = append(cur.lines[lastOpt].cont, raw)
			continue
		}

		if trimmed == "" || trimmed[0] == '#' || trimmed[0] == ';' || cur == nil {
			appendRaw(raw)
			if trimmed == "" {
				lastOpt = -1
			}
			continue
		}

		if m := optionRe.FindStringSubmatch(raw); m != nil {
			cur.lines = append(cur.lines, line{
				kind:  optionLine,
				raw:   raw,
				key:   strings.TrimSpace(m[1]),
				sep:   m[2],
				value: strings.TrimSpace(m[3]),
			})
			lastOpt = len(cur.lines) - 1
			continue
		}

		appendRaw(raw)
	}
	return f
}

// splitLines splits without losing a missing trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// Sections lists section names in file order.
func (f *File) Sections() []string {
	names := make([]string, 0, len(f.sections))
	for _, s := range f.sections {
		names = append(names, s.name)
	}
	return names
}

// HasSection reports whether the named section exists.
func (f *File) HasSection(name string) bool {
	return f.find(name) != nil
}

func (f *File) find(name string) *section {
	for _, s := range f.sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

// AddSection appends an empty section unless it already exists.
func (f *File) AddSection(name string) {
	if f.HasSection(name) {
		return
	}
	f.sections = append(f.sections, &section{name: name, added: true})
}

// RemoveSection deletes the named section and everything in it. Returns
// true when a section was removed.
func (f *File) RemoveSection(name string) bool {
	for i, s := range f.sections {
		if s.name == name {
			f.sections = append(f.sections[:i], f.sections[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the single-line value of an option, or "" when absent.
func (f *File) Get(sectionName, key string) string {
	if opt := f.findOption(sectionName, key); opt != nil {
		return opt.value
	}
	return ""
}

// GetAll returns the value of an option including continuation lines, each
// trimmed, skipping empties. A single-line value yields one element.
func (f *File) GetAll(sectionName, key string) []string {
	opt := f.findOption(sectionName, key)
	if opt == nil {
		return nil
	}
	var values []string
	if opt.value != "" {
		values = append(values, opt.value)
	}
	for _, c := range opt.cont {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (f *File) findOption(sectionName, key string) *line {
	s := f.find(sectionName)
	if s == nil {
		return nil
	}
	for i := range s.lines {
		if s.lines[i].kind == optionLine && s.lines[i].key == key {
			return &s.lines[i]
		}
	}
	return nil
}

// Set writes a single-line option value, creating the section and option as
// needed. An existing option keeps its separator style and position.
func (f *File) Set(sectionName, key, value string) {
	f.AddSection(sectionName)
	if opt := f.findOption(sectionName, key); opt != nil {
		opt.value = value
		opt.cont = nil
		opt.dirty = true
		return
	}
	s := f.find(sectionName)
	s.lines = append(s.lines, line{
		kind:  optionLine,
		key:   key,
		sep:   ":",
		value: value,
		dirty: true,
	})
}

// SetMultiline writes an option whose value is a list of indented
// continuation lines, the form moonraker uses for trusted_clients.
func (f *File) SetMultiline(sectionName, key string, values []string) {
	f.Set(sectionName, key, "")
	opt := f.findOption(sectionName, key)
	opt.cont = opt.cont[:0]
	for _, v := range values {
		opt.cont = append(opt.cont, "    "+v)
	}
	opt.dirty = true
}

// RemoveOption deletes an option and its continuation lines. Returns true
// when the option existed.
func (f *File) RemoveOption(sectionName, key string) bool {
	s := f.find(sectionName)
	if s == nil {
		return false
	}
	for i := range s.lines {
		if s.lines[i].kind == optionLine && s.lines[i].key == key {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return true
		}
	}
	return false
}

// String renders the file. Untouched lines are emitted verbatim; only
// sections created by AddSection get a separating blank line.
func (f *File) String() string {
	var b strings.Builder
	for _, raw := range f.prelude {
		b.WriteString(raw)
		b.WriteByte('\n')
	}
	for i, s := range f.sections {
		if s.added && (i > 0 || len(f.prelude) > 0) && !endsBlank(&b) {
			b.WriteByte('\n')
		}
		b.WriteString("[" + s.name + "]\n")
		for _, ln := range s.lines {
			switch {
			case ln.kind == rawLine:
				b.WriteString(ln.raw)
				b.WriteByte('\n')
			case ln.dirty:
				sep := ln.sep
				if sep == "=" {
					// "=" options carry a space on both sides
					sep = " ="
				}
				b.WriteString(ln.key + sep)
				if ln.value != "" {
					b.WriteString(" " + ln.value)
				}
				b.WriteByte('\n')
				for _, c := range ln.cont {
					b.WriteString(c)
					b.WriteByte('\n')
				}
			default:
				b.WriteString(ln.raw)
				b.WriteByte('\n')
				for _, c := range ln.cont {
					b.WriteString(c)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String()
}

func endsBlank(b *strings.Builder) bool {
	s := b.String()
	return len(s) >= 2 && s[len(s)-1] == '\n' && s[len(s)-2] == '\n'
}

// Save writes the rendered file back to path.
func (f *File) Save(path string) error {
	if err := os.WriteFile(path, []byte(f.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
