package builtins

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // fake version hashes only
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/amv42/honeysh/internal/command"
)

const yumPlugins = "Loaded plugins: changelog, kernel-module, ovl, priorities, tsflags, versionlock\n"

const yumHelp = yumPlugins + `You need to give some command
Usage: yum [options] COMMAND

List of Commands:

check          Check for problems in the rpmdb
check-update   Check for available package updates
clean          Remove cached data
deplist        List a package's dependencies
downgrade      downgrade a package
erase          Remove a package or packages from your system
groups         Display, or use, the groups information
help           Display a helpful usage message
history        Display, or use, the transaction history
info           Display details about a package or group of packages
install        Install a package or packages on your system
list           List a package or groups of packages
makecache      Generate the metadata cache
provides       Find what package provides the given value
reinstall      reinstall a package
repolist       Display the configured software repositories
search         Search package details for the given string
shell          Run an interactive yum shell
update         Update a package or packages on your system
upgrade        Update packages taking obsoletes into account
version        Display a version for the machine and/or available repos.


Options:
  -h, --help            show this help message and exit
  -t, --tolerant        be tolerant of errors
  -C, --cacheonly       run entirely from system cache, don't update cache
  -c [config file], --config=[config file]
                        config file location
  -R [minutes], --randomwait=[minutes]
                        maximum command wait time
  -d [debug level], --debuglevel=[debug level]
                        debugging output level
  -e [error level], --errorlevel=[error level]
                        error output level
  -q, --quiet           quiet operation
  -v, --verbose         verbose operation
  -y, --assumeyes       answer yes for all questions
  --assumeno            answer no for all questions
  --version             show Yum version and exit
  --nogpgcheck          disable gpg signature checking
  --skip-broken         skip packages with depsolving problems
`

var packageName = regexp.MustCompile(`[^A-Za-z0-9]`)

// pauseScale stretches every simulated delay; tests set it to zero.
var pauseScale = 1.0 //nolint:gochecknoglobals // test hook

type yum struct{}

func (yum) Interrupt(inv *command.Invocation) {
	inv.Write("\n\nExiting on user cancel\n")
}

// pause sleeps a random time between lo and hi seconds.
func pause(ctx context.Context, lo, hi float64) bool {
	d := lo
	if hi > lo {
		d += rand.Float64() * (hi - lo)
	}
	return command.Sleep(ctx, time.Duration(d*pauseScale*float64(time.Second)))
}

func (y yum) Run(ctx context.Context, inv *command.Invocation) int {
	var args []string
	assumeYes := false
	for _, a := range inv.Args {
		switch a {
		case "-y", "--assumeyes":
			assumeYes = true
		case "-q", "--quiet", "-v", "--verbose", "--nogpgcheck", "--skip-broken":
		default:
			args = append(args, a)
		}
	}

	switch {
	case len(args) == 0:
		if !pause(ctx, 1, 2) {
			return command.StatusInterrupted
		}
		inv.Write(yumHelp)
		return 1
	case args[0] == "version":
		return y.version(ctx, inv)
	case args[0] == "install":
		return y.install(ctx, inv, args[1:], assumeYes)
	}
	fmt.Fprint(inv.Stderr, yumPlugins+
		"ovl: Error while doing RPMdb copy-up:\n"+
		"[Errno 13] Permission denied: '/var/lib/rpm/.dbenv.lock' \n"+
		"You need to be root to perform this command.\n")
	return 1
}

func fakeHash() string {
	sum := sha1.Sum(fmt.Appendf(nil, "%d", rand.IntN(800)+100)) //nolint:gosec // not a security hash
	return hex.EncodeToString(sum[:])
}

func (yum) version(ctx context.Context, inv *command.Invocation) int {
	inv.Write(yumPlugins)
	if !pause(ctx, 1, 2) {
		return command.StatusInterrupted
	}
	inv.Printf("Installed: 7/%s  %d:%s\n", arch(inv), rand.IntN(300)+500, fakeHash())
	inv.Printf("Group-Installed: yum 13:%s\n", fakeHash())
	inv.Write("version\n")
	return 0
}

func arch(inv *command.Invocation) string {
	if srv := inv.Runtime.Server; srv != nil {
		return srv.Machine()
	}
	return "x86_64"
}

type rpm struct {
	name, version, release string
	size                   int
}

//nolint:gocyclo // staged transcript of a yum transaction
func (yum) install(ctx context.Context, inv *command.Invocation, names []string, assumeYes bool) int {
	if len(names) == 0 {
		if !pause(ctx, 1, 2) {
			return command.StatusInterrupted
		}
		inv.Write(yumPlugins)
		if !pause(ctx, 1, 2) {
			return command.StatusInterrupted
		}
		inv.Write("Error: Need to pass a list of pkgs to install\n" +
			" Mini usage:\n" +
			"install PACKAGE...\n" +
			"Install a package or packages on your system\n" +
			"aliases: install-n, install-na, install-nevra\n")
		return 1
	}

	var pkgs []rpm
	seen := make(map[string]bool)
	total := 0
	for _, n := range names {
		n = packageName.ReplaceAllString(n, "")
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		p := rpm{
			name:    n,
			version: fmt.Sprintf("%d.%d-%d", rand.IntN(2), rand.IntN(40)+1, rand.IntN(10)+1),
			release: fmt.Sprintf("%d.el7", rand.IntN(15)+1),
			size:    rand.IntN(800) + 100,
		}
		total += p.size
		pkgs = append(pkgs, p)
	}
	a := arch(inv)
	rule := strings.Repeat("=", 176) + "\n"

	if !pause(ctx, 1, 1) {
		return command.StatusInterrupted
	}
	inv.Write(yumPlugins)
	if !pause(ctx, 2.2, 2.2) {
		return command.StatusInterrupted
	}
	inv.Printf("%d packages excluded due to repository priority protections\n", rand.IntN(100)+200)
	if !pause(ctx, 0.9, 0.9) {
		return command.StatusInterrupted
	}
	inv.Write("Resolving Dependencies\n--> Running transaction check\n")
	for _, p := range pkgs {
		inv.Printf("---> Package %s.%s %s.%s will be installed\n", p.name, p.version, a, p.release)
	}
	inv.Write("--> Finished Dependency Resolution\n" +
		"Beginning Kernel Module Plugin\n" +
		"Finished Kernel Module Plugin\n\n" +
		"Dependencies Resolved\n\n")
	inv.Write(rule + " Package\t\t\tArch\t\t\tVersion\t\t\t\tRepository\t\t\tSize\n" + rule + "Installing:\n")
	for _, p := range pkgs {
		inv.Printf(" %s\t\t\t\t%s\t\t\t%s-%s\t\t\tbase\t\t\t\t%d k\n", p.name, a, p.version, p.release, p.size)
	}
	inv.Write("\nTransaction Summary\n" + rule)
	inv.Printf("Install  %d Packages\n\n", len(pkgs))
	inv.Printf("Total download size: %d k\n", total)
	inv.Printf("Installed size: %.1f M\n", float64(total)*0.0032)

	if assumeYes {
		inv.Write("Is this ok [y/d/N]: y\n")
	} else {
		inv.Write("Is this ok [y/d/N]: ")
		answer, err := bufio.NewReader(inv.Stdin).ReadString('\n')
		if ctx.Err() != nil {
			return command.StatusInterrupted
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if err != nil && answer == "" {
			inv.Write("\n")
		}
		if answer != "y" && answer != "yes" && answer != "d" {
			inv.Write("Exiting on user command\n")
			return 1
		}
	}

	inv.Write("Downloading packages:\n")
	if !pause(ctx, 0.5, 1) {
		return command.StatusInterrupted
	}
	inv.Write("Running transaction check\n")
	if !pause(ctx, 0.5, 1) {
		return command.StatusInterrupted
	}
	inv.Write("Running transaction test\nTransaction test succeeded\nRunning transaction\n")
	for _, stage := range []string{"Installing", "Verifying"} {
		for i, p := range pkgs {
			inv.Printf("  %s : %s-%s-%s.%s \t\t\t\t %d/%d \n", stage, p.name, p.version, p.release, a, i+1, len(pkgs))
			if !pause(ctx, 0.5, 1) {
				return command.StatusInterrupted
			}
		}
	}
	inv.Write("\nInstalled:\n")
	for _, p := range pkgs {
		inv.Printf("  %s.%s %d:%s-%s \t\t", p.name, a, rand.IntN(3), p.version, p.release)
		installFake(inv, p.name)
	}
	inv.Write("\nComplete!\n")
	return 0
}

// installFake drops a binary for pkg into /usr/bin that crashes when run.
func installFake(inv *command.Invocation, pkg string) {
	rt := inv.Runtime
	bin := path.Join("/usr/bin", pkg)
	if _, err := inv.FS().Create(bin, 0, 0, int64(rand.IntN(60000)+20000), 0o755); err != nil {
		rt.Logger.Debug("fake package binary not created", "path", bin, "error", err)
		return
	}
	if rt.Registry != nil {
		if _, ok := rt.Registry.Lookup(bin); !ok {
			rt.Registry.Register(command.Of(segfault), bin)
		}
	}
}

func segfault(_ context.Context, inv *command.Invocation) int {
	inv.Printf("%s: Segmentation fault\n", inv.Name)
	return 139
}
