package command

import (
	"fmt"
	"strings"
)

// Connector joins a pipeline to the one after it.
type Connector int

const (
	Seq Connector = iota // ; & or end of line
	And                  // &&
	Or                   // ||
)

// RedirOp is the kind of an I/O redirection.
type RedirOp int

const (
	RedirOut    RedirOp = iota // [n]>file
	RedirAppend                // [n]>>file
	RedirIn                    // <file
	RedirDup                   // [n]>&m
)

// Redirect is one redirection attached to a simple command. For RedirDup
// Target holds the destination descriptor number.
type Redirect struct {
	Target string
	Op     RedirOp
	FD     int
}

// Word is one argument after quote removal. Glob is set when the word
// contains an unquoted wildcard.
type Word struct {
	Text string
	Glob bool
}

// Simple is a command name with its arguments and redirections. Raw is the
// source text it was parsed from.
type Simple struct {
	Raw       string
	Words     []Word
	Redirects []Redirect
}

// Pipeline is a run of simple commands joined by |.
type Pipeline struct {
	Commands []Simple
	Next     Connector
}

// SyntaxError is reported the way bash reports a malformed line.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

func unexpected(tok string) error {
	return &SyntaxError{Msg: fmt.Sprintf("syntax error near unexpected token `%s'", tok)}
}

// Lookup expands a shell variable. The second result is false for unset
// names.
type Lookup func(name string) (string, bool)

// ParseLine splits a command line into pipelines. Variables are left
// unexpanded.
func ParseLine(line string) ([]Pipeline, error) {
	return ParseLineEnv(line, nil)
}

// ParseLineEnv splits a command line into pipelines, expanding $NAME,
// ${NAME}, $? and leading ~ through lookup.
func ParseLineEnv(line string, lookup Lookup) ([]Pipeline, error) {
	p := &parser{line: line, lookup: lookup, cmdStart: -1}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.out, nil
}

type parser struct {
	lookup  Lookup
	line    string
	out     []Pipeline
	pipe    Pipeline
	cmd     Simple
	word    strings.Builder
	pending *Redirect
	// cmdStart and mark delimit the raw text of the current command.
	cmdStart int
	mark     int
	// dupErr adds 2>&1 once the pending redirect has its target.
	dupErr bool
	i      int
	inWord bool
	glob   bool
	// quoted is set once any part of the current word was quoted.
	quoted bool
}

func (p *parser) run() error {
	for p.i < len(p.line) {
		if p.cmdStart < 0 {
			p.cmdStart = p.i
		}
		p.mark = p.i
		c := p.line[p.i]
		switch {
		case c == '\\':
			p.inWord = true
			p.quoted = true
			if p.i+1 < len(p.line) {
				p.word.WriteByte(p.line[p.i+1])
			}
			p.i += 2
		case c == '\'':
			end := strings.IndexByte(p.line[p.i+1:], '\'')
			if end < 0 {
				return &SyntaxError{Msg: "unexpected EOF while looking for matching `''"}
			}
			p.word.WriteString(p.line[p.i+1 : p.i+1+end])
			p.inWord, p.quoted = true, true
			p.i += end + 2
		case c == '"':
			if err := p.doubleQuoted(); err != nil {
				return err
			}
		case c == '$':
			p.variable()
		case c == '~' && !p.inWord && p.lookup != nil && p.tildeEnds():
			home, _ := p.lookup("HOME")
			p.word.WriteString(home)
			p.inWord = true
			p.i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if err := p.endWord(); err != nil {
				return err
			}
			p.i++
		case c == '#' && !p.inWord:
			p.i = len(p.line)
		case c == ';':
			if err := p.endPipeline(Seq, ";"); err != nil {
				return err
			}
			p.i++
		case c == '&':
			if err := p.ampersand(); err != nil {
				return err
			}
		case c == '|':
			if err := p.bar(); err != nil {
				return err
			}
		case c == '>' || c == '<':
			if err := p.redirect(); err != nil {
				return err
			}
		default:
			if c == '*' || c == '?' || c == '[' {
				p.glob = true
			}
			p.word.WriteByte(c)
			p.inWord = true
			p.i++
		}
	}
	if err := p.endWord(); err != nil {
		return err
	}
	if p.pending != nil {
		return unexpected("newline")
	}
	if len(p.cmd.Words) == 0 && len(p.cmd.Redirects) == 0 {
		if len(p.pipe.Commands) > 0 {
			return &SyntaxError{Msg: "syntax error: unexpected end of file"}
		}
		if len(p.out) > 0 && p.out[len(p.out)-1].Next != Seq {
			return &SyntaxError{Msg: "syntax error: unexpected end of file"}
		}
		return nil
	}
	p.mark = len(p.line)
	p.closeCmd()
	p.out = append(p.out, p.pipe)
	return nil
}

func (p *parser) closeCmd() {
	if p.cmdStart >= 0 && p.cmdStart <= p.mark {
		p.cmd.Raw = strings.TrimSpace(p.line[p.cmdStart:p.mark])
	}
	p.pipe.Commands = append(p.pipe.Commands, p.cmd)
	p.cmd = Simple{}
	p.cmdStart = -1
}

func (p *parser) tildeEnds() bool {
	n := p.i + 1
	return n >= len(p.line) || p.line[n] == '/' || p.line[n] == ' ' || p.line[n] == '\t'
}

func (p *parser) doubleQuoted() error {
	p.inWord, p.quoted = true, true
	p.i++
	for p.i < len(p.line) {
		c := p.line[p.i]
		switch {
		case c == '"':
			p.i++
			return nil
		case c == '\\' && p.i+1 < len(p.line) && strings.IndexByte("\\\"$`", p.line[p.i+1]) >= 0:
			p.word.WriteByte(p.line[p.i+1])
			p.i += 2
		case c == '$':
			p.variable()
		default:
			p.word.WriteByte(c)
			p.i++
		}
	}
	return &SyntaxError{Msg: "unexpected EOF while looking for matching `\"'"}
}

func isNameByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// variable consumes a $ expansion starting at p.i.
func (p *parser) variable() {
	p.inWord = true
	start := p.i
	p.i++
	if p.lookup == nil || p.i >= len(p.line) {
		p.word.WriteString(p.line[start:p.i])
		return
	}
	var name string
	c := p.line[p.i]
	switch {
	case c == '?' || c == '$' || c == '#' || (c >= '0' && c <= '9'):
		name = string(c)
		p.i++
	case c == '{':
		end := strings.IndexByte(p.line[p.i:], '}')
		if end < 0 {
			p.word.WriteString(p.line[start:p.i])
			return
		}
		name = p.line[p.i+1 : p.i+end]
		p.i += end + 1
	case isNameByte(c, true):
		j := p.i
		for j < len(p.line) && isNameByte(p.line[j], false) {
			j++
		}
		name = p.line[p.i:j]
		p.i = j
	default:
		p.word.WriteByte('$')
		return
	}
	v, _ := p.lookup(name)
	p.word.WriteString(v)
}

func (p *parser) endWord() error {
	if !p.inWord {
		return nil
	}
	w := Word{Text: p.word.String(), Glob: p.glob}
	p.word.Reset()
	p.inWord, p.glob, p.quoted = false, false, false
	if p.pending != nil {
		p.pending.Target = w.Text
		p.cmd.Redirects = append(p.cmd.Redirects, *p.pending)
		p.pending = nil
		if p.dupErr {
			p.cmd.Redirects = append(p.cmd.Redirects, Redirect{Op: RedirDup, FD: 2, Target: "1"})
			p.dupErr = false
		}
		return nil
	}
	p.cmd.Words = append(p.cmd.Words, w)
	return nil
}

// endSimple closes the current simple command. tok names the operator that
// ended it, for error messages.
func (p *parser) endSimple(tok string) error {
	if err := p.endWord(); err != nil {
		return err
	}
	if p.pending != nil {
		return unexpected(tok)
	}
	if len(p.cmd.Words) == 0 && len(p.cmd.Redirects) == 0 {
		return unexpected(tok)
	}
	p.closeCmd()
	return nil
}

func (p *parser) endPipeline(next Connector, tok string) error {
	if err := p.endWord(); err != nil {
		return err
	}
	if next == Seq && len(p.cmd.Words) == 0 && len(p.cmd.Redirects) == 0 && len(p.pipe.Commands) == 0 && p.pending == nil {
		// A doubled ; is dropped.
		if len(p.out) > 0 && p.out[len(p.out)-1].Next != Seq {
			return unexpected(tok)
		}
		if len(p.out) == 0 && tok == ";" {
			return unexpected(tok)
		}
		p.cmdStart = -1
		return nil
	}
	if err := p.endSimple(tok); err != nil {
		return err
	}
	p.pipe.Next = next
	p.out = append(p.out, p.pipe)
	p.pipe = Pipeline{}
	return nil
}

func (p *parser) ampersand() error {
	if p.i+1 < len(p.line) && p.line[p.i+1] == '&' {
		p.i += 2
		return p.endPipeline(And, "&&")
	}
	if p.i+1 < len(p.line) && p.line[p.i+1] == '>' {
		// &>file sends both streams to file.
		if err := p.endWord(); err != nil {
			return err
		}
		p.i += 2
		op := RedirOut
		if p.i < len(p.line) && p.line[p.i] == '>' {
			op = RedirAppend
			p.i++
		}
		p.pending = &Redirect{Op: op, FD: 1}
		p.dupErr = true
		p.skipSpace()
		return p.readTarget()
	}
	// Background jobs run in the foreground.
	p.i++
	if err := p.endWord(); err != nil {
		return err
	}
	if len(p.cmd.Words) == 0 && len(p.pipe.Commands) == 0 {
		return unexpected("&")
	}
	return p.endPipeline(Seq, "&")
}

func (p *parser) bar() error {
	if p.i+1 < len(p.line) && p.line[p.i+1] == '|' {
		p.i += 2
		return p.endPipeline(Or, "||")
	}
	p.i++
	return p.endSimple("|")
}

func (p *parser) skipSpace() {
	for p.i < len(p.line) && (p.line[p.i] == ' ' || p.line[p.i] == '\t') {
		p.i++
	}
}

// readTarget reads the word following a redirection operator.
func (p *parser) readTarget() error {
	if p.i >= len(p.line) {
		return unexpected("newline")
	}
	switch p.line[p.i] {
	case ';', '|', '&', '<', '>':
		return unexpected(string(p.line[p.i]))
	}
	return nil
}

func (p *parser) redirect() error {
	fd := 1
	if p.line[p.i] == '<' {
		fd = 0
	}
	if p.inWord && !p.quoted && !p.glob {
		if w := p.word.String(); w == "0" || w == "1" || w == "2" {
			fd = int(w[0] - '0')
			p.word.Reset()
			p.inWord = false
		}
	}
	if err := p.endWord(); err != nil {
		return err
	}
	if p.pending != nil {
		return unexpected(string(p.line[p.i]))
	}

	c := p.line[p.i]
	p.i++
	r := &Redirect{FD: fd}
	switch {
	case c == '<':
		r.Op = RedirIn
	case p.i < len(p.line) && p.line[p.i] == '>':
		r.Op = RedirAppend
		p.i++
	case p.i < len(p.line) && p.line[p.i] == '&':
		p.i++
		j := p.i
		for j < len(p.line) && p.line[j] >= '0' && p.line[j] <= '9' {
			j++
		}
		if j == p.i {
			return unexpected("newline")
		}
		r.Op = RedirDup
		r.Target = p.line[p.i:j]
		p.i = j
		p.cmd.Redirects = append(p.cmd.Redirects, *r)
		return nil
	default:
		r.Op = RedirOut
	}
	p.pending = r
	p.skipSpace()
	return p.readTarget()
}

// Argv returns the words of a simple command as strings.
func (s Simple) Argv() []string {
	out := make([]string, len(s.Words))
	for i, w := range s.Words {
		out[i] = w.Text
	}
	return out
}
