package builtins

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/machine"
	"github.com/amv42/honeysh/internal/vfs"
)

const (
	defaultRelease = "3.2.0-4-amd64"
	defaultVersion = "#1 SMP Debian 3.2.68-1+deb7u1"
)

// kernel reads the release and build strings from the host's /proc/version.
func kernel(inv *command.Invocation) (release, version string) {
	release, version = defaultRelease, defaultVersion
	data, err := inv.FS().ReadFile("/proc/version")
	if err != nil {
		return release, version
	}
	s := strings.TrimSpace(string(data))
	if f := strings.Fields(s); len(f) > 2 && f[0] == "Linux" && f[1] == "version" {
		release = f[2]
	}
	if i := strings.Index(s, "#"); i >= 0 {
		version = s[i:]
	}
	return release, version
}

func uname(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	all := opts.BoolP("all", "a", false, "")
	sysname := opts.BoolP("kernel-name", "s", false, "")
	nodename := opts.BoolP("nodename", "n", false, "")
	release := opts.BoolP("kernel-release", "r", false, "")
	version := opts.BoolP("kernel-version", "v", false, "")
	machineFlag := opts.BoolP("machine", "m", false, "")
	processor := opts.BoolP("processor", "p", false, "")
	platform := opts.BoolP("hardware-platform", "i", false, "")
	osFlag := opts.BoolP("operating-system", "o", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}
	if len(opts.Args()) > 0 {
		inv.Errorf("extra operand '%s'", opts.Args()[0])
		fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
		return 1
	}

	rel, ver := kernel(inv)
	arch := "x86_64"
	if srv := inv.Runtime.Server; srv != nil {
		arch = srv.Machine()
	}
	fields := []struct {
		on   bool
		text string
		all  bool
	}{
		{*sysname, "Linux", true},
		{*nodename, inv.Runtime.Hostname(), true},
		{*release, rel, true},
		{*version, ver, true},
		{*machineFlag, arch, true},
		{*processor, "unknown", false},
		{*platform, "unknown", false},
		{*osFlag, "GNU/Linux", true},
	}
	var out []string
	for _, f := range fields {
		if f.on || (*all && f.all) {
			out = append(out, f.text)
		}
	}
	if len(out) == 0 {
		out = []string{"Linux"}
	}
	inv.Printf("%s\n", strings.Join(out, " "))
	return 0
}

func hostname(_ context.Context, inv *command.Invocation) int {
	if len(inv.Args) > 0 && !strings.HasPrefix(inv.Args[0], "-") && inv.Runtime.User.UID != 0 {
		inv.Errorf("you must be root to change the host name")
		return 1
	}
	if len(inv.Args) == 0 || strings.HasPrefix(inv.Args[0], "-") {
		inv.Printf("%s\n", inv.Runtime.Hostname())
	}
	return 0
}

func whoami(_ context.Context, inv *command.Invocation) int {
	inv.Printf("%s\n", inv.Runtime.User.Name)
	return 0
}

func id(_ context.Context, inv *command.Invocation) int {
	u := inv.Runtime.User
	names := newOwnerNames(inv.FS())
	inv.Printf("uid=%d(%s) gid=%d(%s) groups=%d(%s)\n",
		u.UID, names.user(u.UID), u.GID, names.group(u.GID), u.GID, names.group(u.GID))
	return 0
}

func ps(_ context.Context, inv *command.Invocation) int {
	flags := strings.ReplaceAll(strings.Join(inv.Args, ""), "-", "")
	has := func(c string) bool { return strings.Contains(flags, c) }

	rt := inv.Runtime
	var procs []machine.Process
	if rt.Server != nil {
		procs = rt.Server.Processes
	}
	if len(procs) == 0 {
		procs = machine.DefaultProcesses()
	}
	user := rt.User.Name
	shell := machine.Process{
		User: user, PID: rt.PID, Mem: 0.1, VSZ: 20364, RSS: 3780,
		TTY: "pts/0", Stat: "Ss", Start: "00:00", Time: "0:00", Command: "-bash",
	}
	self := machine.Process{
		User: user, PID: rt.PID + 1 + len(rt.History), VSZ: 16796, RSS: 1156,
		TTY: "pts/0", Stat: "R+", Start: "00:00", Time: "0:00", Command: "ps " + strings.Join(inv.Args, " "),
	}
	self.Command = strings.TrimSpace(self.Command)

	switch {
	case has("e") && has("f"):
		inv.Printf("%-8s %5s %5s %2s %5s %-8s %8s %s\n", "UID", "PID", "PPID", "C", "STIME", "TTY", "TIME", "CMD")
		for _, p := range append(append(procs[:len(procs):len(procs)], shell), self) {
			ppid := 1
			switch {
			case p.PID <= 2:
				ppid = 0
			case strings.HasPrefix(p.Command, "["):
				ppid = 2
			case p.PID == self.PID:
				ppid = shell.PID
			}
			inv.Printf("%-8s %5d %5d %2d %5s %-8s %8s %s\n",
				p.User, p.PID, ppid, int(p.CPU), p.Start, p.TTY, longTime(p.Time), p.Command)
		}
	case has("a") || has("x") || has("u") || has("e") || has("A"):
		inv.Printf("%-8s %5s %4s %4s %6s %5s %-8s %-4s %5s %6s %s\n",
			"USER", "PID", "%CPU", "%MEM", "VSZ", "RSS", "TTY", "STAT", "START", "TIME", "COMMAND")
		for _, p := range append(append(procs[:len(procs):len(procs)], shell), self) {
			inv.Printf("%-8s %5d %4.1f %4.1f %6d %5d %-8s %-4s %5s %6s %s\n",
				p.User, p.PID, p.CPU, p.Mem, p.VSZ, p.RSS, p.TTY, p.Stat, p.Start, p.Time, p.Command)
		}
	default:
		inv.Printf("%5s %-8s %8s %s\n", "PID", "TTY", "TIME", "CMD")
		inv.Printf("%5d %-8s %8s %s\n", shell.PID, shell.TTY, "00:00:00", "bash")
		inv.Printf("%5d %-8s %8s %s\n", self.PID, self.TTY, "00:00:00", "ps")
	}
	return 0
}

// longTime widens "M:SS" cpu time to "HH:MM:SS".
func longTime(t string) string {
	m, s, ok := strings.Cut(t, ":")
	if !ok {
		return t
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return t
	}
	return fmt.Sprintf("%02d:%02d:%s", mins/60, mins%60, s)
}

func uptime(_ context.Context, inv *command.Invocation) int {
	rt := inv.Runtime
	now := rt.Now()
	up := 3*24*time.Hour + 4*time.Hour
	if rt.Server != nil && !rt.Server.Boot.IsZero() {
		up = rt.Server.Uptime(now)
	}
	inv.Printf(" %s up %s,  1 user,  load average: 0.00, 0.01, 0.05\n", now.Format("15:04:05"), formatUptime(up))
	return 0
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	var b strings.Builder
	switch days {
	case 0:
	case 1:
		b.WriteString("1 day, ")
	default:
		fmt.Fprintf(&b, "%d days, ", days)
	}
	if hours == 0 {
		fmt.Fprintf(&b, "%d min", mins)
	} else {
		fmt.Fprintf(&b, "%2d:%02d", hours, mins)
	}
	return b.String()
}

// fallbackMeminfo is used for keys the host's /proc/meminfo lacks, in kB.
var fallbackMeminfo = map[string]int64{ //nolint:gochecknoglobals // lookup table
	"MemTotal":     4054744,
	"MemFree":      1776236,
	"MemAvailable": 2651420,
	"Buffers":      145360,
	"Cached":       887352,
	"Shmem":        6364,
	"SwapTotal":    1048572,
	"SwapFree":     1048572,
}

func meminfo(inv *command.Invocation) map[string]int64 {
	out := make(map[string]int64, len(fallbackMeminfo))
	for k, v := range fallbackMeminfo {
		out[k] = v
	}
	data, err := inv.FS().ReadFile("/proc/meminfo")
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if _, wanted := out[k]; !wanted {
			continue
		}
		f := strings.Fields(v)
		if len(f) == 0 {
			continue
		}
		if n, err := strconv.ParseInt(f[0], 10, 64); err == nil {
			out[k] = n
		}
	}
	return out
}

func free(_ context.Context, inv *command.Invocation) int {
	opts := command.NewOptions(inv.Name, "")
	bytesFlag := opts.BoolP("bytes", "b", false, "")
	opts.BoolP("kilo", "k", false, "")
	mega := opts.BoolP("mega", "m", false, "")
	giga := opts.BoolP("giga", "g", false, "")
	human := opts.BoolP("human", "h", false, "")
	if status, ok := opts.Parse(inv); !ok {
		return status
	}

	m := meminfo(inv)
	buffCache := m["Buffers"] + m["Cached"]
	used := m["MemTotal"] - m["MemFree"] - buffCache
	swapUsed := m["SwapTotal"] - m["SwapFree"]

	format := func(kb int64) string {
		switch {
		case *human:
			return humanKB(kb)
		case *bytesFlag:
			return strconv.FormatInt(kb*1024, 10)
		case *mega:
			return strconv.FormatInt(kb/1024, 10)
		case *giga:
			return strconv.FormatInt(kb/1024/1024, 10)
		}
		return strconv.FormatInt(kb, 10)
	}
	inv.Printf("%19s%12s%12s%12s%12s%12s\n", "total", "used", "free", "shared", "buff/cache", "available")
	inv.Printf("Mem:%15s%12s%12s%12s%12s%12s\n",
		format(m["MemTotal"]), format(used), format(m["MemFree"]),
		format(m["Shmem"]), format(buffCache), format(m["MemAvailable"]))
	inv.Printf("Swap:%14s%12s%12s\n", format(m["SwapTotal"]), format(swapUsed), format(m["SwapFree"]))
	return 0
}

// humanKB renders a kB count as free -h does, e.g. "3.9Gi".
func humanKB(kb int64) string {
	v := float64(kb) * 1024
	units := []string{"B", "Ki", "Mi", "Gi", "Ti"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f%s", v, units[i])
	}
	if v < 10 {
		return fmt.Sprintf("%.1f%s", math.Round(v*10)/10, units[i])
	}
	return fmt.Sprintf("%.0f%s", v, units[i])
}

func clearScreen(_ context.Context, inv *command.Invocation) int {
	inv.Write("\x1b[H\x1b[2J")
	return 0
}

func sleep(ctx context.Context, inv *command.Invocation) int {
	if len(inv.Args) == 0 {
		fmt.Fprintf(inv.Stderr, "usage: sleep seconds\n")
		return 1
	}
	var total time.Duration
	for _, a := range inv.Args {
		d, ok := parseInterval(a)
		if !ok {
			inv.Errorf("invalid time interval '%s'", a)
			fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
			return 1
		}
		total += d
	}
	if !command.Sleep(ctx, total) {
		return command.StatusInterrupted
	}
	return 0
}

// parseInterval reads a sleep operand: a number with an optional s, m, h
// or d suffix.
func parseInterval(s string) (time.Duration, bool) {
	unit := time.Second
	if s != "" {
		switch s[len(s)-1] {
		case 's':
			s = s[:len(s)-1]
		case 'm':
			unit, s = time.Minute, s[:len(s)-1]
		case 'h':
			unit, s = time.Hour, s[:len(s)-1]
		case 'd':
			unit, s = 24*time.Hour, s[:len(s)-1]
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	f := v * float64(unit)
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(f), true
}

func nohup(_ context.Context, inv *command.Invocation) int {
	if len(inv.Args) == 0 {
		inv.Errorf("missing operand")
		fmt.Fprintf(inv.Stderr, "Try '%s --help' for more information.\n", inv.Name)
		return 125
	}
	rt := inv.Runtime
	if err := inv.FS().Touch(inv.Abs("nohup.out"), rt.User.UID, rt.User.GID); err != nil {
		inv.Errorf("failed to open 'nohup.out': %s", vfs.Message(err))
		return 125
	}
	inv.Errorf("ignoring input and appending output to 'nohup.out'")
	return 0
}
