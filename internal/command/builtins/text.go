package builtins

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/vfs"
)

const grepUsage = "usage: grep [-abcDEFGHhIiJLlmnOoPqRSsUVvwxZ] [-A num] [-B num] [-C[num]]\n" +
	"\t[-e pattern] [-f file] [--binary-files=value] [--color=when]\n" +
	"\t[--context[=num]] [--directories=action] [--label] [--line-buffered]\n" +
	"\t[--null] [pattern] [file ...]\n"

func grep(ctx context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	ignoreCase := opts.BoolP("ignore-case", "i", false, "")
	invert := opts.BoolP("invert-match", "v", false, "")
	lineNumbers := opts.BoolP("line-number", "n", false, "")
	count := opts.BoolP("count", "c", false, "")
	filesOnly := opts.BoolP("files-with-matches", "l", false, "")
	quiet := opts.BoolP("quiet", "q", false, "")
	words := opts.BoolP("word-regexp", "w", false, "")
	opts.BoolP("extended-regexp", "E", inv.Name == "egrep", "")
	fixed := opts.BoolP("fixed-strings", "F", inv.Name == "fgrep", "")
	patterns := opts.StringArrayP("regexp", "e", nil, "")
	opts.BoolP("no-messages", "s", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}

	args := opts.Args()
	if len(*patterns) == 0 {
		if len(args) == 0 {
			_, _ = io.WriteString(inv.Stderr, grepUsage)
			return 2
		}
		*patterns, args = []string{args[0]}, args[1:]
	}
	re, err := compileGrep(*patterns, *fixed, *ignoreCase, *words)
	if err != nil {
		inv.Errorf("Unmatched ( or \\(")
		return 2
	}

	status := 1
	errored := false
	readFailed := false
	multi := len(args) > 1
	for _, op := range operands(inv, args) {
		if op.err != nil {
			inv.Errorf("%s: %s", op.name, vfs.Message(op.err))
			errored = true
			continue
		}
		name := op.name
		if name == "-" {
			name = "(standard input)"
		}
		matches := 0
		n := 0
		err := eachLine(ctx, op.r, func(line string) bool {
			n++
			if re.MatchString(line) == *invert {
				return true
			}
			matches++
			status = 0
			switch {
			case *quiet:
				return false
			case *filesOnly:
				return false
			case *count:
				return true
			}
			prefix := ""
			if multi {
				prefix = name + ":"
			}
			if *lineNumbers {
				prefix += strconv.Itoa(n) + ":"
			}
			inv.Printf("%s%s\n", prefix, line)
			return true
		})
		if err != nil {
			lineError(inv, name, err)
			readFailed = true
		}
		switch {
		case *quiet && matches > 0:
			return 0
		case *filesOnly && matches > 0:
			inv.Printf("%s\n", name)
		case *count && multi:
			inv.Printf("%s:%d\n", name, matches)
		case *count:
			inv.Printf("%d\n", matches)
		}
	}
	if readFailed || (errored && status != 0) {
		return 2
	}
	return status
}

func compileGrep(patterns []string, fixed, ignoreCase, words bool) (*regexp.Regexp, error) {
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		if fixed {
			p = regexp.QuoteMeta(p)
		}
		parts[i] = "(?:" + p + ")"
	}
	expr := strings.Join(parts, "|")
	if words {
		expr = `\b(?:` + expr + `)\b`
	}
	if ignoreCase {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// lineCount reads the -n argument of head and tail. A leading '+' is only
// meaningful to tail and reported through fromStart.
func lineCount(inv *command.Invocation, arg string) (n int, fromStart, ok bool) {
	s := arg
	if strings.HasPrefix(s, "+") {
		fromStart = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "-")
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		inv.Errorf("illegal offset -- %s", arg)
		return 0, false, false
	}
	return v, fromStart, true
}

// numericShorthand rewrites the historic "-5" form to "-n 5".
func numericShorthand(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && a[1] >= '0' && a[1] <= '9' {
			out = append(out, "-n", a[1:])
			continue
		}
		out = append(out, a)
	}
	return out
}

func head(ctx context.Context, inv *command.Invocation) int {
	inv.Args = numericShorthand(inv.Args)
	opts := command.NewOptions(inv.Name, "")
	lines := opts.StringP("lines", "n", "10", "")
	quiet := opts.BoolP("quiet", "q", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	limit, _, ok := lineCount(inv, *lines)
	if !ok {
		return 1
	}
	return eachOperand(inv, opts.Args(), *quiet, func(r io.Reader) error {
		if limit == 0 {
			return nil
		}
		seen := 0
		return eachLine(ctx, r, func(line string) bool {
			inv.Printf("%s\n", line)
			seen++
			return seen < limit
		})
	})
}

func tail(ctx context.Context, inv *command.Invocation) int {
	inv.Args = numericShorthand(inv.Args)
	opts := command.NewOptions(inv.Name, "")
	lines := opts.StringP("lines", "n", "10", "")
	quiet := opts.BoolP("quiet", "q", false, "")
	opts.BoolP("follow", "f", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	limit, fromStart, ok := lineCount(inv, *lines)
	if !ok {
		return 1
	}
	return eachOperand(inv, opts.Args(), *quiet, func(r io.Reader) error {
		var buf []string
		n := 0
		err := eachLine(ctx, r, func(line string) bool {
			n++
			switch {
			case fromStart:
				if n >= limit {
					buf = append(buf, line)
				}
			case limit > 0:
				buf = append(buf, line)
				if len(buf) > limit {
					buf = buf[1:]
				}
			}
			return true
		})
		for _, line := range buf {
			inv.Printf("%s\n", line)
		}
		return err
	})
}

// eachOperand runs fn over every input of head or tail, printing the
// "==> name <==" banners coreutils uses for several files.
func eachOperand(inv *command.Invocation, args []string, quiet bool, fn func(io.Reader) error) int {
	status := 0
	banner := len(args) > 1 && !quiet
	first := true
	for _, op := range operands(inv, args) {
		if op.err != nil {
			inv.Errorf("cannot open '%s' for reading: %s", op.name, vfs.Message(op.err))
			status = 1
			continue
		}
		if banner {
			name := op.name
			if name == "-" {
				name = "standard input"
			}
			if !first {
				inv.Write("\n")
			}
			fmt.Fprintf(inv.Stdout, "==> %s <==\n", name)
		}
		first = false
		if err := fn(op.r); err != nil {
			lineError(inv, op.name, err)
			status = 1
		}
	}
	return status
}
