package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/vfs"
)

func cat(ctx context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	number := opts.BoolP("number", "n", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	status := 0
	line := 0
	for _, op := range operands(inv, opts.Args()) {
		if op.err != nil {
			inv.Errorf("%s: %s", op.name, vfs.Message(op.err))
			status = 1
			continue
		}
		if *number {
			err := eachLine(ctx, op.r, func(s string) bool {
				line++
				inv.Printf("%6d\t%s\n", line, s)
				return true
			})
			if err != nil {
				lineError(inv, op.name, err)
				status = 1
			}
			continue
		}
		if _, err := io.Copy(inv.Stdout, op.r); err != nil {
			return 1
		}
	}
	return status
}

func missingOperand(inv *command.Invocation, what string) int {
	inv.Errorf("missing %s", what)
	fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
	return 1
}

func rm(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	recursive := opts.BoolP("recursive", "r", false, "")
	recursiveR := opts.BoolP("Recursive", "R", false, "")
	force := opts.BoolP("force", "f", false, "")
	verbose := opts.BoolP("verbose", "v", false, "")
	noPreserve := opts.Bool("no-preserve-root", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	args := opts.Args()
	if len(args) == 0 {
		if *force {
			return 0
		}
		return missingOperand(inv, "operand")
	}
	rec := *recursive || *recursiveR

	status := 0
	for _, a := range args {
		abs := inv.Abs(a)
		if abs == "/" && rec && !*noPreserve {
			inv.Errorf("it is dangerous to operate recursively on '/'")
			inv.Errorf("use --no-preserve-root to override this failsafe")
			status = 1
			continue
		}
		err := inv.FS().Remove(abs, rec)
		switch {
		case err == nil:
			if *verbose {
				inv.Printf("removed '%s'\n", a)
			}
		case errors.Is(err, vfs.ErrNotFound) && *force:
		case errors.Is(err, vfs.ErrDirNotEmpty):
			inv.Errorf("cannot remove '%s': Is a directory", a)
			status = 1
		default:
			inv.Errorf("cannot remove '%s': %s", a, vfs.Message(err))
			status = 1
		}
	}
	return status
}

// splitTarget separates sources from the destination and checks the
// operand count the way cp and mv do.
func splitTarget(inv *command.Invocation, args []string) (srcs []string, dst string, ok bool) {
	switch len(args) {
	case 0:
		missingOperand(inv, "file operand")
		return nil, "", false
	case 1:
		inv.Errorf("missing destination file operand after '%s'", args[0])
		fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
		return nil, "", false
	}
	srcs, dst = args[:len(args)-1], args[len(args)-1]
	if len(srcs) > 1 && !inv.FS().IsDir(inv.Abs(dst)) {
		inv.Errorf("target '%s' is not a directory", dst)
		return nil, "", false
	}
	return srcs, dst, true
}

func cp(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	recursive := opts.BoolP("recursive", "r", false, "")
	recursiveR := opts.BoolP("Recursive", "R", false, "")
	archive := opts.BoolP("archive", "a", false, "")
	opts.BoolP("force", "f", false, "")
	opts.BoolP("preserve", "p", false, "")
	verbose := opts.BoolP("verbose", "v", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	srcs, dst, ok := splitTarget(inv, opts.Args())
	if !ok {
		return 1
	}
	rec := *recursive || *recursiveR || *archive
	fsys, user := inv.FS(), inv.Runtime.User

	status := 0
	for _, src := range srcs {
		info, err := fsys.Stat(inv.Abs(src))
		if err != nil {
			inv.Errorf("cannot stat '%s': %s", src, vfs.Message(err))
			status = 1
			continue
		}
		if info.IsDir() && !rec {
			inv.Errorf("-r not specified; omitting directory '%s'", src)
			status = 1
			continue
		}
		if strings.HasSuffix(dst, "/") && !fsys.IsDir(inv.Abs(dst)) {
			inv.Errorf("cannot create regular file '%s': Not a directory", dst)
			status = 1
			continue
		}
		if _, err := fsys.Copy(inv.Abs(src), inv.Abs(dst), user.UID, user.GID, rec); err != nil {
			switch {
			case errors.Is(err, vfs.ErrInvalid):
				inv.Errorf("cannot copy a directory, '%s', into itself, '%s'", src, dst)
			case info.IsDir():
				inv.Errorf("cannot create directory '%s': %s", dst, vfs.Message(err))
			default:
				inv.Errorf("cannot create regular file '%s': %s", dst, vfs.Message(err))
			}
			status = 1
			continue
		}
		if *verbose {
			inv.Printf("'%s' -> '%s'\n", src, dst)
		}
	}
	return status
}

func mv(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	opts.BoolP("force", "f", false, "")
	verbose := opts.BoolP("verbose", "v", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	srcs, dst, ok := splitTarget(inv, opts.Args())
	if !ok {
		return 1
	}
	fsys := inv.FS()

	status := 0
	for _, src := range srcs {
		info, err := fsys.Lstat(inv.Abs(src))
		if err != nil {
			inv.Errorf("cannot stat '%s': %s", src, vfs.Message(err))
			status = 1
			continue
		}
		// A trailing slash names a directory: an existing one receives the
		// source, a missing one is only acceptable when the source is a
		// directory being renamed.
		if strings.HasSuffix(dst, "/") && !fsys.IsDir(inv.Abs(dst)) {
			if fsys.Exists(inv.Abs(dst)) || !info.IsDir() {
				inv.Errorf("cannot move '%s' to '%s': Not a directory", src, dst)
				status = 1
				continue
			}
		}
		if _, err := fsys.Move(inv.Abs(src), inv.Abs(dst)); err != nil {
			if errors.Is(err, vfs.ErrInvalid) {
				inv.Errorf("cannot move '%s' to a subdirectory of itself, '%s'", src, dst)
			} else {
				inv.Errorf("cannot move '%s' to '%s': %s", src, dst, vfs.Message(err))
			}
			status = 1
			continue
		}
		if *verbose {
			inv.Printf("renamed '%s' -> '%s'\n", src, dst)
		}
	}
	return status
}

func mkdir(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	parents := opts.BoolP("parents", "p", false, "")
	modeArg := opts.StringP("mode", "m", "", "")
	verbose := opts.BoolP("verbose", "v", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	args := opts.Args()
	if len(args) == 0 {
		return missingOperand(inv, "operand")
	}
	mode := uint32(0o755)
	if *modeArg != "" {
		m, err := parseMode(*modeArg, mode)
		if err != nil {
			inv.Errorf("invalid mode '%s'", *modeArg)
			return 1
		}
		mode = m
	}
	fsys, user := inv.FS(), inv.Runtime.User

	status := 0
	for _, a := range args {
		var err error
		if *parents {
			err = fsys.MkdirAll(inv.Abs(a), user.UID, user.GID, mode)
		} else {
			err = fsys.Mkdir(inv.Abs(a), user.UID, user.GID, mode)
		}
		if err != nil {
			inv.Errorf("cannot create directory '%s': %s", a, vfs.Message(err))
			status = 1
			continue
		}
		if *verbose {
			inv.Printf("mkdir: created directory '%s'\n", a)
		}
	}
	return status
}

func rmdir(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	ignore := opts.Bool("ignore-fail-on-non-empty", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	args := opts.Args()
	if len(args) == 0 {
		return missingOperand(inv, "operand")
	}
	status := 0
	for _, a := range args {
		err := inv.FS().RemoveDir(inv.Abs(a))
		if err == nil || (*ignore && errors.Is(err, vfs.ErrDirNotEmpty)) {
			continue
		}
		inv.Errorf("failed to remove '%s': %s", a, vfs.Message(err))
		status = 1
	}
	return status
}

func touch(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	noCreate := opts.BoolP("no-create", "c", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	args := opts.Args()
	if len(args) == 0 {
		return missingOperand(inv, "file operand")
	}
	fsys, user := inv.FS(), inv.Runtime.User
	status := 0
	for _, a := range args {
		abs := inv.Abs(a)
		if *noCreate && !fsys.Exists(abs) {
			continue
		}
		if err := fsys.Touch(abs, user.UID, user.GID); err != nil {
			inv.Errorf("cannot touch '%s': %s", a, vfs.Message(err))
			status = 1
		}
	}
	return status
}

// chmod parses its own arguments: modes such as -x look like options.
func chmod(_ context.Context, inv *command.Invocation) int {
	var (
		modeArg   string
		files     []string
		recursive bool
		verbose   bool
	)
	for i, a := range inv.Args {
		switch {
		case a == "--":
			rest := inv.Args[i+1:]
			if modeArg == "" && len(rest) > 0 {
				modeArg, rest = rest[0], rest[1:]
			}
			files = append(files, rest...)
		case a == "-R" || a == "--recursive":
			recursive = true
			continue
		case a == "-v" || a == "--verbose":
			verbose = true
			continue
		case a == "-f" || a == "--silent" || a == "--quiet":
			continue
		case modeArg == "":
			modeArg = a
			continue
		default:
			files = append(files, a)
			continue
		}
		break
	}
	if modeArg == "" {
		return missingOperand(inv, "operand")
	}
	if len(files) == 0 {
		inv.Errorf("missing operand after '%s'", modeArg)
		fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
		return 1
	}
	if _, err := parseMode(modeArg, 0); err != nil {
		inv.Errorf("invalid mode: '%s'", modeArg)
		fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
		return 1
	}

	fsys := inv.FS()
	status := 0
	var apply func(p, shown string)
	apply = func(p, shown string) {
		info, err := fsys.Stat(p)
		if err != nil {
			inv.Errorf("cannot access '%s': %s", shown, vfs.Message(err))
			status = 1
			return
		}
		mode, _ := parseMode(modeArg, info.Perm())
		if err := fsys.Chmod(p, mode); err != nil {
			inv.Errorf("changing permissions of '%s': %s", shown, vfs.Message(err))
			status = 1
			return
		}
		if verbose {
			inv.Printf("mode of '%s' changed to %04o\n", shown, mode)
		}
		if recursive && info.IsDir() {
			children, _ := fsys.ReadDir(p)
			for _, c := range children {
				apply(p+"/"+c.Name(), shown+"/"+c.Name())
			}
		}
	}
	for _, f := range files {
		apply(inv.Abs(f), f)
	}
	return status
}

var errBadMode = errors.New("invalid mode")

// parseMode applies an octal or symbolic chmod mode to cur.
func parseMode(spec string, cur uint32) (uint32, error) {
	if spec == "" {
		return 0, errBadMode
	}
	if spec[0] >= '0' && spec[0] <= '7' {
		v, err := strconv.ParseUint(spec, 8, 32)
		if err != nil || v > 0o7777 {
			return 0, errBadMode
		}
		return uint32(v), nil
	}

	mode := cur
	for _, clause := range strings.Split(spec, ",") {
		i := 0
		var who uint32
		for ; i < len(clause) && strings.IndexByte("ugoa", clause[i]) >= 0; i++ {
			switch clause[i] {
			case 'u':
				who |= 0o4700
			case 'g':
				who |= 0o2070
			case 'o':
				who |= 0o1007
			case 'a':
				who |= 0o7777
			}
		}
		if who == 0 {
			who = 0o7777
		}
		if i == len(clause) {
			return 0, errBadMode
		}
		for i < len(clause) {
			op := clause[i]
			if op != '+' && op != '-' && op != '=' {
				return 0, errBadMode
			}
			i++
			var bits uint32
			for ; i < len(clause) && strings.IndexByte("rwxXst", clause[i]) >= 0; i++ {
				switch clause[i] {
				case 'r':
					bits |= 0o444
				case 'w':
					bits |= 0o222
				case 'x':
					bits |= 0o111
				case 'X':
					if mode&0o111 != 0 {
						bits |= 0o111
					}
				case 's':
					bits |= 0o6000
				case 't':
					bits |= 0o1000
				}
			}
			bits &= who
			switch op {
			case '+':
				mode |= bits
			case '-':
				mode &^= bits
			case '=':
				mode = mode&^(who&0o777) | bits
			}
		}
	}
	return mode, nil
}
