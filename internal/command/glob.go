package command

import (
	"regexp"
	"sort"
	"strings"

	"github.com/amv42/honeysh/internal/vfs"
)

// compileGlob converts one path component of a shell wildcard into an
// anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^" + globToRegex(pattern) + "$")
}

// globToRegex converts a glob pattern to a regex string. Wildcards never
// match a slash.
//
//nolint:gocyclo,revive // character-by-character glob parser
func globToRegex(pattern string) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString("[^/]*")
			for i < len(pattern) && pattern[i] == '*' {
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				cls := pattern[i+1 : j]
				if strings.HasPrefix(cls, "!") {
					cls = "^" + cls[1:]
				}
				cls = strings.ReplaceAll(cls, `\`, `\\`)
				b.WriteString("[" + cls + "]")
				i = j + 1
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '.', '(', ')', '+', '{', '}', '^', '$', '|', '\\', ']':
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Glob expands pattern against the filesystem the way bash does: matches
// keep the pattern's relative or absolute form, come back sorted, and a
// leading dot must be matched explicitly. It returns nil when nothing
// matches.
func Glob(fsys *vfs.FS, pattern, cwd string) []string {
	if !hasMeta(pattern) {
		return nil
	}
	type cand struct{ shown, abs string }

	var cands []cand
	parts := strings.Split(pattern, "/")
	if strings.HasPrefix(pattern, "/") {
		cands = []cand{{shown: "/", abs: "/"}}
		parts = parts[1:]
	} else {
		cands = []cand{{shown: "", abs: vfs.Abs(".", cwd)}}
	}

	for i, part := range parts {
		last := i == len(parts)-1
		if part == "" {
			if !last {
				continue
			}
			// Trailing slash keeps directories only.
			var next []cand
			for _, c := range cands {
				if fsys.IsDir(c.abs) {
					next = append(next, cand{shown: c.shown + "/", abs: c.abs})
				}
			}
			cands = next
			break
		}

		var next []cand
		if !hasMeta(part) {
			for _, c := range cands {
				abs := vfs.Abs(part, c.abs)
				if (last && fsys.Exists(abs)) || (!last && fsys.IsDir(abs)) {
					next = append(next, cand{shown: joinShown(c.shown, part), abs: abs})
				}
			}
			cands = next
			continue
		}

		re, err := compileGlob(part)
		if err != nil {
			return nil
		}
		for _, c := range cands {
			entries, err := fsys.ReadDir(c.abs)
			if err != nil {
				continue
			}
			for _, e := range entries {
				name := e.Name()
				if strings.HasPrefix(name, ".") && !strings.HasPrefix(part, ".") {
					continue
				}
				if !re.MatchString(name) {
					continue
				}
				abs := vfs.Abs(name, c.abs)
				if !last && !fsys.IsDir(abs) {
					continue
				}
				next = append(next, cand{shown: joinShown(c.shown, name), abs: abs})
			}
		}
		cands = next
		if len(cands) == 0 {
			return nil
		}
	}

	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.shown)
	}
	sort.Strings(out)
	return out
}

func joinShown(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case strings.HasSuffix(prefix, "/"):
		return prefix + name
	default:
		return prefix + "/" + name
	}
}
