package builtins

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/vfs"
)

func cd(_ context.Context, inv *command.Invocation) int {
	rt := inv.Runtime
	target := rt.User.Home
	if len(inv.Args) > 0 && inv.Args[0] != "~" {
		target = inv.Args[0]
	}
	if len(inv.Args) > 1 {
		fmt.Fprintf(inv.Stderr, "-bash: cd: too many arguments\n")
		return 1
	}
	if target == "-" {
		prev, ok := rt.Env["OLDPWD"]
		if !ok {
			fmt.Fprintf(inv.Stderr, "-bash: cd: OLDPWD not set\n")
			return 1
		}
		target = prev
	}
	if target == "" {
		target = "/"
	}

	abs := inv.Abs(target)
	info, err := inv.FS().Stat(abs)
	if err != nil {
		fmt.Fprintf(inv.Stderr, "-bash: cd: %s: %s\n", target, vfs.Message(err))
		return 1
	}
	if !info.IsDir() {
		fmt.Fprintf(inv.Stderr, "-bash: cd: %s: Not a directory\n", target)
		return 1
	}
	rt.Chdir(abs)
	if len(inv.Args) > 0 && inv.Args[0] == "-" {
		inv.Printf("%s\n", abs)
	}
	return 0
}

func pwd(_ context.Context, inv *command.Invocation) int {
	inv.Printf("%s\n", inv.Runtime.Cwd)
	return 0
}

func exit(_ context.Context, inv *command.Invocation) int {
	status := inv.Runtime.Status
	if len(inv.Args) > 0 {
		n, err := strconv.Atoi(inv.Args[0])
		if err != nil {
			fmt.Fprintf(inv.Stderr, "-bash: exit: %s: numeric argument required\n", inv.Args[0])
			n = 2
		}
		status = n & 0xff
	}
	inv.Runtime.RequestExit()
	return status
}

func export(_ context.Context, inv *command.Invocation) int {
	env := inv.Runtime.Env
	if len(inv.Args) == 0 || inv.Args[0] == "-p" {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			inv.Printf("declare -x %s=%q\n", k, env[k])
		}
		return 0
	}
	status := 0
	for _, a := range inv.Args {
		k, v, hasValue := strings.Cut(a, "=")
		if k == "" || strings.ContainsAny(k, " -./") {
			fmt.Fprintf(inv.Stderr, "-bash: export: `%s': not a valid identifier\n", a)
			status = 1
			continue
		}
		if hasValue {
			env[k] = v
		} else if _, ok := env[k]; !ok {
			env[k] = ""
		}
	}
	return status
}

func echo(_ context.Context, inv *command.Invocation) int {
	args := inv.Args
	newline, escapes := true, false
	for len(args) > 0 && isEchoFlag(args[0]) {
		for _, c := range args[0][1:] {
			switch c {
			case 'n':
				newline = false
			case 'e':
				escapes = true
			case 'E':
				escapes = false
			}
		}
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if escapes {
		var stop bool
		out, stop = unescape(out)
		if stop {
			newline = false
		}
	}
	if newline {
		out += "\n"
	}
	inv.Write(out)
	return 0
}

func isEchoFlag(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	return strings.Trim(a[1:], "neE") == ""
}

// unescape expands echo -e sequences. stop reports a \c, which suppresses
// all further output.
func unescape(s string) (out string, stop bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'e', 'E':
			b.WriteByte(0x1b)
		case '\\':
			b.WriteByte('\\')
		case 'c':
			return b.String(), true
		case '0':
			v, n := digits(s[i+1:], 8, 3)
			b.WriteByte(byte(v))
			i += n
		case 'x':
			v, n := digits(s[i+1:], 16, 2)
			if n == 0 {
				b.WriteString(`\x`)
				continue
			}
			b.WriteByte(byte(v))
			i += n
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String(), false
}

// digits parses up to limit leading digits of s in base.
func digits(s string, base, limit int) (val, n int) {
	for n < limit && n < len(s) {
		d, err := strconv.ParseUint(s[n:n+1], base, 8)
		if err != nil {
			break
		}
		val = val*base + int(d)
		n++
	}
	return val, n
}
