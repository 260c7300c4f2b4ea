package command

import (
	"bufio"
	"bytes"
	"hash/fnv"
	"path"
	"strconv"
	"strings"

	"github.com/amv42/honeysh/internal/vfs"
)

// LookupUser finds name in the host's /etc/passwd. Unknown names get a
// stable unprivileged uid and a home under /home.
func LookupUser(fsys *vfs.FS, name string) User {
	if data, err := fsys.ReadFile("/etc/passwd"); err == nil {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			f := strings.Split(sc.Text(), ":")
			if len(f) < 6 || f[0] != name {
				continue
			}
			uid, err1 := strconv.Atoi(f[2])
			gid, err2 := strconv.Atoi(f[3])
			if err1 != nil || err2 != nil {
				break
			}
			return User{Name: name, UID: uid, GID: gid, Home: f[5]}
		}
	}
	if name == "root" {
		return User{Name: "root", Home: "/root"}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	uid := 1000 + int(h.Sum32()%500)
	home := "/"
	if name != "" && name != "." && name != ".." && !strings.Contains(name, "/") {
		home = path.Join("/home", name)
	}
	return User{Name: name, UID: uid, GID: uid, Home: home}
}
