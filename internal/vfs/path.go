package vfs

import (
	"path"
	"strings"
)

// Abs joins p onto cwd when p is relative and cleans the result. ".." at the
// root stays at the root, so the result never escapes "/".
func Abs(p, cwd string) string {
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = cwd + "/" + p
	}
	return path.Clean(p)
}

func split(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func join(names []string) string {
	return "/" + strings.Join(names, "/")
}

func within(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
