package builtins

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/vfs"
)

type lsOptions struct {
	long, all, almost, one, dir, human bool
}

func ls(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	var o lsOptions
	opts.BoolVarP(&o.long, "long", "l", false, "")
	opts.BoolVarP(&o.all, "all", "a", false, "")
	opts.BoolVarP(&o.almost, "almost-all", "A", false, "")
	opts.BoolVarP(&o.one, "one", "1", false, "")
	opts.BoolVarP(&o.dir, "directory", "d", false, "")
	opts.BoolVarP(&o.human, "human-readable", "h", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}

	args := opts.Args()
	if len(args) == 0 {
		args = []string{"."}
	}
	fsys := inv.FS()
	names := newOwnerNames(fsys)

	status := 0
	var files []entry
	var dirs []string
	for _, a := range args {
		info, err := fsys.Stat(inv.Abs(a))
		if err != nil {
			inv.Errorf("cannot access '%s': %s", a, vfs.Message(err))
			status = 2
			continue
		}
		if info.IsDir() && !o.dir {
			dirs = append(dirs, a)
			continue
		}
		if li, err := fsys.Lstat(inv.Abs(a)); err == nil {
			info = li
		}
		files = append(files, entry{name: a, info: info})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	sort.Strings(dirs)

	if len(files) > 0 {
		o.print(inv, names, files)
	}
	for i, d := range dirs {
		if len(args) > 1 {
			if i > 0 || len(files) > 0 {
				inv.Write("\n")
			}
			inv.Printf("%s:\n", d)
		}
		entries, err := o.list(fsys, inv.Abs(d))
		if err != nil {
			inv.Errorf("cannot open directory '%s': %s", d, vfs.Message(err))
			status = 2
			continue
		}
		if o.long {
			inv.Printf("total %d\n", blocks(entries))
		}
		o.print(inv, names, entries)
	}
	return status
}

type entry struct {
	name string
	info vfs.FileInfo
}

func (o lsOptions) list(fsys *vfs.FS, dir string) ([]entry, error) {
	children, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []entry
	if o.all {
		for _, name := range []string{".", ".."} {
			if info, err := fsys.Stat(path.Join(dir, name)); err == nil {
				out = append(out, entry{name: name, info: info})
			}
		}
	}
	for _, c := range children {
		if strings.HasPrefix(c.Name(), ".") && !o.all && !o.almost {
			continue
		}
		out = append(out, entry{name: c.Name(), info: c})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sortKey(out[i].name) < sortKey(out[j].name)
	})
	return out, nil
}

// sortKey orders names the way ls does in an en_US locale: case and
// leading dots are ignored.
func sortKey(name string) string {
	if name == "." || name == ".." {
		return name
	}
	return strings.ToLower(strings.TrimLeft(name, "."))
}

func (o lsOptions) print(inv *command.Invocation, names *ownerNames, entries []entry) {
	if !o.long {
		sep := "  "
		if o.one {
			sep = "\n"
		}
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = e.name
		}
		if len(parts) > 0 {
			inv.Printf("%s\n", strings.Join(parts, sep))
		}
		return
	}

	sizeWidth, userWidth, groupWidth := 1, 1, 1
	for _, e := range entries {
		sizeWidth = max(sizeWidth, len(o.size(e.info)))
		userWidth = max(userWidth, len(names.user(e.info.UID())))
		groupWidth = max(groupWidth, len(names.group(e.info.GID())))
	}
	for _, e := range entries {
		links := 1
		if e.info.IsDir() {
			links = 2 + e.info.NumChildren()
		}
		name := e.name
		if e.info.Type() == vfs.TypeSymlink {
			name += " -> " + e.info.Target()
		}
		inv.Printf("%s %d %-*s %-*s %*s %s %s\n",
			permString(e.info), links,
			userWidth, names.user(e.info.UID()),
			groupWidth, names.group(e.info.GID()),
			sizeWidth, o.size(e.info),
			e.info.ModTime().Format("2006-01-02 15:04"),
			name)
	}
}

func (o lsOptions) size(info vfs.FileInfo) string {
	n := info.Size()
	if info.IsDir() {
		n = 4096
	}
	if o.human {
		return humanSize(n)
	}
	return strconv.FormatInt(n, 10)
}

func blocks(entries []entry) int64 {
	var total int64
	for _, e := range entries {
		n := e.info.Size()
		if e.info.IsDir() {
			n = 4096
		}
		total += (n + 4095) / 4096 * 4
	}
	return total
}

// humanSize renders n the way ls -h does: one decimal below 10, none above.
func humanSize(n int64) string {
	if n < 1024 {
		return strconv.FormatInt(n, 10)
	}
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < 5 {
		v /= 1024
		unit++
	}
	suffix := string("KMGTP"[unit-1])
	if v < 10 {
		return fmt.Sprintf("%.1f%s", v, suffix)
	}
	return fmt.Sprintf("%.0f%s", v, suffix)
}

// permString renders a mode the way ls -l prints it.
func permString(info vfs.FileInfo) string {
	b := []byte("----------")
	switch info.Type() {
	case vfs.TypeDir:
		b[0] = 'd'
	case vfs.TypeSymlink:
		b[0] = 'l'
	}
	m := info.Perm()
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	special := func(bit uint32, pos int, set, unset byte) {
		if m&bit == 0 {
			return
		}
		if b[pos] == 'x' {
			b[pos] = set
		} else {
			b[pos] = unset
		}
	}
	special(0o4000, 3, 's', 'S')
	special(0o2000, 6, 's', 'S')
	special(0o1000, 9, 't', 'T')
	return string(b)
}

// ownerNames maps ids to names using the host's /etc/passwd and /etc/group.
type ownerNames struct {
	users, groups map[int]string
}

func newOwnerNames(fsys *vfs.FS) *ownerNames {
	return &ownerNames{
		users:  idTable(fsys, "/etc/passwd", 2),
		groups: idTable(fsys, "/etc/group", 2),
	}
}

func idTable(fsys *vfs.FS, file string, idField int) map[int]string {
	out := make(map[int]string)
	data, err := fsys.ReadFile(file)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Split(line, ":")
		if len(f) <= idField {
			continue
		}
		id, err := strconv.Atoi(f[idField])
		if err != nil {
			continue
		}
		if _, dup := out[id]; !dup {
			out[id] = f[0]
		}
	}
	return out
}

func (n *ownerNames) user(uid int) string {
	if s, ok := n.users[uid]; ok {
		return s
	}
	return strconv.Itoa(uid)
}

func (n *ownerNames) group(gid int) string {
	if s, ok := n.groups[gid]; ok {
		return s
	}
	return strconv.Itoa(gid)
}
