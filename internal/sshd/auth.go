package sshd

import (
	"fmt"
	"strings"
)

// DenyList holds the credentials the fake host refuses. Every other
// username and password is accepted.
type DenyList struct {
	rules []denyRule
}

type denyRule struct {
	user     string
	password string
}

// ParseDenyList parses "user:password" entries. Either side may be "*".
func ParseDenyList(entries []string) (DenyList, error) {
	var dl DenyList
	for _, e := range entries {
		user, password, ok := strings.Cut(e, ":")
		if !ok || user == "" {
			return DenyList{}, fmt.Errorf("auth.deny: entry %q is not user:password", e)
		}
		dl.rules = append(dl.rules, denyRule{user: user, password: password})
	}
	return dl, nil
}

// Denies reports whether the login must fail.
func (d DenyList) Denies(user, password string) bool {
	for _, r := range d.rules {
		if (r.user == "*" || r.user == user) && (r.password == "*" || r.password == password) {
			return true
		}
	}
	return false
}
