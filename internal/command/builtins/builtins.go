// Package builtins implements the commands available inside the emulated
// shell. Every command writes coreutils-style messages and never touches
// anything outside the session's virtual filesystem, except wget.
package builtins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/amv42/honeysh/internal/command"
)

// Register installs the full command set into reg.
func Register(reg *command.Registry) {
	reg.RegisterBuiltin(command.Of(cd), "cd")
	reg.RegisterBuiltin(command.Of(exit), "exit", "logout")
	reg.RegisterBuiltin(command.Of(export), "export")

	add(reg, command.Of(echo), "/bin/echo")
	add(reg, command.Of(pwd), "/bin/pwd")
	add(reg, command.Of(func(context.Context, *command.Invocation) int { return 0 }), "/bin/true")
	add(reg, command.Of(func(context.Context, *command.Invocation) int { return 1 }), "/bin/false")

	add(reg, command.Of(ls), "/bin/ls")
	add(reg, readsInput(cat), "/bin/cat")
	add(reg, command.Of(rm), "/bin/rm")
	add(reg, command.Of(cp), "/bin/cp")
	add(reg, command.Of(mv), "/bin/mv")
	add(reg, command.Of(mkdir), "/bin/mkdir")
	add(reg, command.Of(rmdir), "/bin/rmdir")
	add(reg, command.Of(touch), "/bin/touch")
	add(reg, command.Of(chmod), "/bin/chmod")

	add(reg, readsInput(grep), "/bin/grep", "/bin/egrep", "/bin/fgrep")
	add(reg, readsInput(head), "/usr/bin/head")
	add(reg, readsInput(tail), "/usr/bin/tail")

	add(reg, command.Of(uname), "/bin/uname")
	add(reg, command.Of(hostname), "/bin/hostname")
	add(reg, command.Of(whoami), "/usr/bin/whoami")
	add(reg, command.Of(id), "/usr/bin/id")
	add(reg, command.Of(ps), "/bin/ps")
	add(reg, command.Of(uptime), "/usr/bin/uptime")
	add(reg, command.Of(free), "/usr/bin/free")
	add(reg, command.Of(clearScreen), "/usr/bin/clear")
	add(reg, command.Of(sleep), "/bin/sleep")
	add(reg, command.Of(nohup), "/usr/bin/nohup")

	add(reg, command.Of(wget), "/usr/bin/wget", "/usr/bin/dget")
	add(reg, func() command.Command { return yum{} }, "/usr/bin/yum")
}

// add registers f under each full path and its base name.
func add(reg *command.Registry, f command.Factory, paths ...string) {
	for _, p := range paths {
		reg.Register(f, p, path.Base(p))
	}
}

// inputCommand ends its terminal input on ^D instead of being killed.
type inputCommand struct{ command.Func }

func (inputCommand) EOF(inv *command.Invocation) { inv.CloseInput() }

func readsInput(f command.Func) command.Factory {
	return func() command.Command { return inputCommand{f} }
}

// operand is one input source for a filter command.
type operand struct {
	name string
	r    io.Reader
	err  error
}

// operands opens every file argument, or stdin when there are none. A
// name of "-" also means stdin.
func operands(inv *command.Invocation, args []string) []operand {
	if len(args) == 0 {
		return []operand{{name: "-", r: inv.Stdin}}
	}
	out := make([]operand, 0, len(args))
	for _, a := range args {
		if a == "-" {
			out = append(out, operand{name: a, r: inv.Stdin})
			continue
		}
		data, err := inv.FS().ReadFile(inv.Abs(a))
		if err != nil {
			out = append(out, operand{name: a, err: err})
			continue
		}
		out = append(out, operand{name: a, r: bytes.NewReader(data)})
	}
	return out
}

// maxLine bounds a single line for the line-oriented commands.
const maxLine = 1 << 20

// eachLine calls fn for every line of r, newline stripped, until fn returns
// false or ctx is done. It returns the read error that ended the scan.
func eachLine(ctx context.Context, r io.Reader, fn func(line string) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil || !fn(sc.Text()) {
			return nil
		}
	}
	return sc.Err()
}

// lineError reports a failed line scan the way the read error would read
// on a real system.
func lineError(inv *command.Invocation, name string, err error) {
	msg := err.Error()
	if errors.Is(err, bufio.ErrTooLong) {
		msg = "line too long"
	}
	inv.Errorf("%s: %s", name, msg)
}
