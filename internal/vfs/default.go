package vfs

import (
	"path"
	"time"
)

// DefaultTemplate returns a small Debian-like tree used when no template file
// is configured.
func DefaultTemplate() *Inode {
	mtime := time.Date(2013, time.April, 22, 9, 14, 0, 0, time.UTC)
	b := &builder{root: &Inode{Name: "/", Type: TypeDir, Mode: 0o755, Size: 4096, ModTime: mtime}, mtime: mtime}

	for _, d := range []string{
		"/bin", "/boot", "/dev", "/dev/pts", "/etc", "/etc/apt", "/etc/init.d", "/etc/ssh",
		"/home", "/lib", "/lib64", "/media", "/mnt", "/opt", "/proc", "/root", "/run",
		"/sbin", "/srv", "/sys", "/usr", "/usr/bin", "/usr/lib", "/usr/local", "/usr/local/bin",
		"/usr/sbin", "/usr/share", "/var", "/var/cache", "/var/lib", "/var/log", "/var/mail",
		"/var/run", "/var/spool", "/var/www",
	} {
		b.dir(d, 0o755)
	}
	b.dir("/tmp", 0o1777)
	b.dir("/var/tmp", 0o1777)
	b.dir("/root", 0o700)

	for _, name := range []string{
		"bash", "cat", "chmod", "chown", "cp", "date", "dd", "df", "echo", "egrep", "false",
		"fgrep", "grep", "gzip", "hostname", "kill", "ln", "ls", "mkdir", "mount", "mv",
		"nano", "netstat", "ping", "ps", "pwd", "rm", "rmdir", "sed", "sh", "sleep", "su",
		"tar", "touch", "true", "umount", "uname", "which",
	} {
		b.file("/bin/"+name, 0o755, 94000+int64(len(name))*1337, nil)
	}
	for _, name := range []string{
		"apt-get", "awk", "clear", "curl", "dget", "free", "head", "id", "nohup", "perl", "python", "scp",
		"ssh", "tail", "top", "uptime", "wget", "whoami", "yum",
	} {
		b.file("/usr/bin/"+name, 0o755, 41000+int64(len(name))*2311, nil)
	}
	for _, name := range []string{"ifconfig", "init", "iptables", "reboot", "shutdown", "sshd"} {
		b.file("/sbin/"+name, 0o755, 68000+int64(len(name))*977, nil)
	}
	b.link("/bin/dash", "bash")
	b.link("/usr/bin/python2", "python")

	b.text("/etc/passwd", 0o644, `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/bin/sh
bin:x:2:2:bin:/bin:/bin/sh
sys:x:3:3:sys:/dev:/bin/sh
sync:x:4:65534:sync:/bin:/bin/sync
games:x:5:60:games:/usr/games:/bin/sh
man:x:6:12:man:/var/cache/man:/bin/sh
mail:x:8:8:mail:/var/mail:/bin/sh
www-data:x:33:33:www-data:/var/www:/bin/sh
nobody:x:65534:65534:nobody:/nonexistent:/bin/sh
sshd:x:101:65534::/var/run/sshd:/usr/sbin/nologin
`)
	b.text("/etc/group", 0o644, `root:x:0:
daemon:x:1:
bin:x:2:
sys:x:3:
adm:x:4:
tty:x:5:
disk:x:6:
mail:x:8:
www-data:x:33:
users:x:100:
nogroup:x:65534:
`)
	b.text("/etc/shadow", 0o640, `root:$6$4aOmWdpJ$/kyPOik9rR0kSLyABIYNXgg/UqlWX3c1eIaovOLWphShTGXmuUAMq6iu9DrcQqlVUw3Pirizns4u27w3Ugvb6.:15800:0:99999:7:::
daemon:*:15800:0:99999:7:::
bin:*:15800:0:99999:7:::
sys:*:15800:0:99999:7:::
nobody:*:15800:0:99999:7:::
sshd:*:15800:0:99999:7:::
`)
	b.text("/etc/hostname", 0o644, "svr04\n")
	b.text("/etc/hosts", 0o644, "127.0.0.1\tlocalhost\n127.0.1.1\tsvr04\n\n::1\tlocalhost ip6-localhost ip6-loopback\n")
	b.text("/etc/issue", 0o644, "Debian GNU/Linux 7 \\n \\l\n\n")
	b.text("/etc/debian_version", 0o644, "7.8\n")
	b.text("/etc/os-release", 0o644, `PRETTY_NAME="Debian GNU/Linux 7 (wheezy)"
NAME="Debian GNU/Linux"
VERSION_ID="7"
VERSION="7 (wheezy)"
ID=debian
ANSI_COLOR="1;31"
HOME_URL="http://www.debian.org/"
SUPPORT_URL="http://www.debian.org/support/"
BUG_REPORT_URL="http://bugs.debian.org/"
`)
	b.text("/etc/resolv.conf", 0o644, "nameserver 8.8.8.8\nnameserver 8.8.4.4\n")
	b.text("/etc/motd", 0o644, `
The programs included with the Debian GNU/Linux system are free software;
the exact distribution terms for each program are described in the
individual files in /usr/share/doc/*/copyright.

Debian GNU/Linux comes with ABSOLUTELY NO WARRANTY, to the extent
permitted by applicable law.
`)
	b.text("/etc/ssh/sshd_config", 0o644, "Port 22\nProtocol 2\nPermitRootLogin yes\nPasswordAuthentication yes\nUsePAM yes\n")
	b.text("/etc/crontab", 0o644, "SHELL=/bin/sh\nPATH=/usr/local/sbin:/usr/local/bin:/sbin:/bin:/usr/sbin:/usr/bin\n\n17 *\t* * *\troot    cd / && run-parts --report /etc/cron.hourly\n")
	b.text("/etc/apt/sources.list", 0o644, "deb http://ftp.debian.org/debian wheezy main\ndeb http://security.debian.org/ wheezy/updates main\n")

	b.text("/proc/cpuinfo", 0o444, `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 44
model name	: Intel(R) Xeon(R) CPU           E5620  @ 2.40GHz
stepping	: 2
cpu MHz		: 2400.084
cache size	: 12288 KB
physical id	: 0
siblings	: 2
core id		: 0
cpu cores	: 2
fpu		: yes
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush dts acpi mmx fxsr sse sse2 ss ht tm pbe syscall nx pdpe1gb rdtscp lm constant_tsc
bogomips	: 4800.16

processor	: 1
vendor_id	: GenuineIntel
cpu family	: 6
model		: 44
model name	: Intel(R) Xeon(R) CPU           E5620  @ 2.40GHz
stepping	: 2
cpu MHz		: 2400.084
cache size	: 12288 KB
physical id	: 0
siblings	: 2
core id		: 1
cpu cores	: 2
fpu		: yes
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush dts acpi mmx fxsr sse sse2 ss ht tm pbe syscall nx pdpe1gb rdtscp lm constant_tsc
bogomips	: 4800.16
`)
	b.text("/proc/meminfo", 0o444, `MemTotal:        4054744 kB
MemFree:         1776236 kB
MemAvailable:    2651420 kB
Buffers:          145360 kB
Cached:           887352 kB
SwapCached:            0 kB
Active:          1422216 kB
Inactive:         634688 kB
SwapTotal:       1048572 kB
SwapFree:        1048572 kB
Shmem:              6364 kB
`)
	b.text("/proc/version", 0o444, "Linux version 3.2.0-4-amd64 (debian-kernel@lists.debian.org) (gcc version 4.6.3 (Debian 4.6.3-14) ) #1 SMP Debian 3.2.68-1+deb7u1\n")
	b.text("/proc/mounts", 0o444, `rootfs / rootfs rw 0 0
sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
udev /dev devtmpfs rw,relatime,size=10240k,nr_inodes=505868,mode=755 0 0
devpts /dev/pts devpts rw,nosuid,noexec,relatime,gid=5,mode=620,ptmxmode=000 0 0
/dev/sda1 / ext4 rw,relatime,errors=remount-ro,data=ordered 0 0
`)
	b.text("/proc/uptime", 0o444, "1734921.32 3417012.18\n")

	b.file("/dev/null", 0o666, 0, nil)
	b.file("/dev/zero", 0o666, 0, nil)
	b.file("/dev/random", 0o666, 0, nil)
	b.file("/dev/urandom", 0o666, 0, nil)

	b.text("/root/.bashrc", 0o644, "# ~/.bashrc: executed by bash(1) for non-login shells.\nexport PS1='\\h:\\w\\$ '\numask 022\n")
	b.text("/root/.profile", 0o644, "if [ \"$BASH\" ]; then\n  if [ -f ~/.bashrc ]; then\n    . ~/.bashrc\n  fi\nfi\n\nmesg n\n")
	b.text("/var/log/dmesg", 0o644, "[    0.000000] Initializing cgroup subsys cpuset\n[    0.000000] Linux version 3.2.0-4-amd64\n")
	b.text("/var/www/index.html", 0o644, "<html><body><h1>It works!</h1></body></html>\n")
	b.file("/boot/vmlinuz-3.2.0-4-amd64", 0o644, 2840000, nil)

	return b.root
}

type builder struct {
	mtime time.Time
	root  *Inode
}

func (b *builder) parent(p string) *Inode {
	n := b.root
	for _, name := range split(path.Dir(p)) {
		n = n.lookup(name)
	}
	return n
}

func (b *builder) dir(p string, mode uint32) {
	parent := b.parent(p)
	if existing := parent.lookup(path.Base(p)); existing != nil {
		existing.Mode = mode
		return
	}
	parent.Children = append(parent.Children, &Inode{Name: path.Base(p), Type: TypeDir, Mode: mode, Size: 4096, ModTime: b.mtime})
}

func (b *builder) file(p string, mode uint32, size int64, data []byte) {
	b.parent(p).Children = append(b.parent(p).Children, &Inode{
		Name: path.Base(p), Type: TypeFile, Mode: mode, Size: size, Data: data, ModTime: b.mtime,
	})
}

func (b *builder) text(p string, mode uint32, s string) {
	b.file(p, mode, int64(len(s)), []byte(s))
}

func (b *builder) link(p, target string) {
	b.parent(p).Children = append(b.parent(p).Children, &Inode{
		Name: path.Base(p), Type: TypeSymlink, Target: target, Mode: 0o777, Size: int64(len(target)), ModTime: b.mtime,
	})
}
