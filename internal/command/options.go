package command

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// Options parses GNU-style flags for one invocation and reports errors in
// coreutils wording.
type Options struct {
	*pflag.FlagSet
	usage string
}

// NewOptions returns an empty option set for the command name. usage is
// printed for --help when the command defines no help flag of its own.
func NewOptions(name, usage string) *Options {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	return &Options{FlagSet: fs, usage: usage}
}

// Parse parses inv.Args. When ok is false the caller should return status
// right away; the error or usage text has already been written.
func (o *Options) Parse(inv *Invocation) (status int, ok bool) {
	err := o.FlagSet.Parse(inv.Args)
	if err == nil {
		return 0, true
	}
	if errors.Is(err, pflag.ErrHelp) {
		if o.usage != "" {
			inv.Write(o.usage)
			return 0, false
		}
		inv.Errorf("unrecognized option '--help'")
	} else {
		inv.Errorf("%s", flagMessage(err))
	}
	_, _ = io.WriteString(inv.Stderr, "Try '"+inv.Name+" --help' for more information.\n")
	return usageStatus(inv.Name), false
}

// usageStatus is the exit status coreutils uses for bad options.
func usageStatus(name string) int {
	switch name {
	case "grep", "egrep", "fgrep", "ls":
		return 2
	}
	return 1
}

// flagMessage rewrites a pflag error as the matching getopt message.
func flagMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "unknown shorthand flag: "):
		// unknown shorthand flag: 'x' in -xyz
		if i := strings.Index(msg, "'"); i >= 0 && i+2 < len(msg) {
			return "invalid option -- '" + msg[i+1:i+2] + "'"
		}
	case strings.HasPrefix(msg, "unknown flag: "):
		return "unrecognized option '" + strings.TrimPrefix(msg, "unknown flag: ") + "'"
	case strings.HasPrefix(msg, "flag needs an argument: "):
		rest := strings.TrimPrefix(msg, "flag needs an argument: ")
		if strings.HasPrefix(rest, "'") && len(rest) >= 3 {
			return "option requires an argument -- '" + rest[1:2] + "'"
		}
		return "option '" + rest + "' requires an argument"
	case strings.HasPrefix(msg, "invalid argument "):
		// invalid argument "x" for "-n, --lines" flag: ...
		if parts := strings.SplitN(msg, "\"", 3); len(parts) == 3 {
			return "invalid argument '" + parts[1] + "'"
		}
	}
	return msg
}
