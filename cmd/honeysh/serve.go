package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/artifact"
	"github.com/amv42/honeysh/internal/command"
	"github.com/amv42/honeysh/internal/command/builtins"
	"github.com/amv42/honeysh/internal/config"
	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/forward"
	"github.com/amv42/honeysh/internal/logging"
	"github.com/amv42/honeysh/internal/machine"
	"github.com/amv42/honeysh/internal/metrics"
	"github.com/amv42/honeysh/internal/sshd"
	"github.com/amv42/honeysh/internal/telnetd"
	"github.com/amv42/honeysh/internal/vfs"
)

const (
	eventBuffer    = 4096
	backendTimeout = 15 * time.Second
	httpTimeout    = 2 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SSH honeypot",
	Long: `Run the SSH honeypot.

Settings come from a TOML file (--config, or $XDG_CONFIG_HOME/honeysh/config.toml
when present). Flags override the file. A host key is generated on first run
at the configured path.

In backend mode "proxy" sessions are relayed to a real host instead of the
emulated shell; they are still recorded. The optional Telnet listener always
serves the emulated shell.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file")
	serveCmd.Flags().String("listen", "", "SSH listen address (host:port)")
	serveCmd.Flags().String("telnet", "", "also serve Telnet on this address (host:port)")
	serveCmd.Flags().String("log", "", "write structured JSON log to FILE")
	serveCmd.Flags().BoolP("verbose", "v", false, "debug logging on stderr")
	serveCmd.Flags().String("metrics", "", "serve Prometheus metrics on this address")
}

// applyFlags overrides settings with flags set on the command line.
func applyFlags(cmd *cobra.Command, st *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		st.Listen, _ = flags.GetString("listen") //nolint:errcheck // flag name is hardcoded
	}
	if flags.Changed("telnet") {
		st.TelnetListen, _ = flags.GetString("telnet") //nolint:errcheck // flag name is hardcoded
	}
	if flags.Changed("log") {
		st.LogFile, _ = flags.GetString("log") //nolint:errcheck // flag name is hardcoded
	}
	if flags.Changed("metrics") {
		st.MetricsListen, _ = flags.GetString("metrics") //nolint:errcheck // flag name is hardcoded
	}
	if v, _ := flags.GetBool("verbose"); v { //nolint:errcheck // flag name is hardcoded
		st.LogLevel = "debug"
	}
}

//nolint:revive // cyclomatic: wires every subsystem once at startup
func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag name is hardcoded
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	st, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, &st)

	level, err := logging.ParseLevel(st.LogLevel)
	if err != nil {
		return fmt.Errorf("config: output.log_level: %w", err)
	}
	logger, logCloser, err := logging.Setup(os.Stderr, level, st.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	deny, err := sshd.ParseDenyList(st.Deny)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	hostKey, generated, err := sshd.LoadOrGenerateHostKey(st.HostKey)
	if err != nil {
		return err
	}
	if generated {
		logger.Info("generated host key", "path", st.HostKey)
	}

	downloads, err := openStore(st.DownloadDir, st.MinFreeSpace, logger)
	if err != nil {
		return fmt.Errorf("download store: %w", err)
	}
	defer downloads.Close()
	var transcripts *artifact.Store
	if st.TTYLog {
		transcripts, err = openStore(st.TTYLogDir, st.MinFreeSpace, logger)
		if err != nil {
			return fmt.Errorf("transcript store: %w", err)
		}
		defer transcripts.Close()
	}

	template := vfs.DefaultTemplate()
	if st.Filesystem != "" {
		template, err = vfs.LoadTemplate(st.Filesystem)
		if err != nil {
			return err
		}
		logger.Info("loaded filesystem template", "path", st.Filesystem)
	}
	processes := machine.DefaultProcesses()
	if st.ProcessTable != "" {
		processes, err = machine.LoadProcesses(st.ProcessTable)
		if err != nil {
			return err
		}
	}

	sinks := []event.Sink{event.NewSlogSink(logger, slog.LevelInfo)}
	if st.MetricsListen != "" {
		sinks = append(sinks, metrics.Sink{})
	}
	if st.SQLite != "" {
		db, err := event.OpenSQLite(st.SQLite, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
	}
	events := event.NewDispatcher(eventBuffer, logger, sinks...)
	defer func() {
		events.Close()
		if n := events.Dropped(); n > 0 {
			logger.Warn("events dropped under load", "count", n)
		}
	}()

	machines := machine.NewRegistry(machine.Config{
		Template:    template,
		Content:     downloads,
		OnCount:     metrics.SetServersActive,
		Logger:      logger,
		Hostname:    st.Hostname,
		Arches:      st.Arches,
		Protected:   st.ProtectedPaths,
		Processes:   processes,
		IdleTimeout: st.IdleTimeout,
	})
	defer machines.Close()

	commands := command.NewRegistry()
	builtins.Register(commands)

	srvCfg := sshd.Config{
		HostKeys:       []ssh.Signer{hostKey},
		Version:        st.Version,
		MaxConnections: st.MaxConnections,
		Deny:           deny,
		SFTP:           st.SFTP,
		Forwarding:     st.Forwarding,
		Forward:        forward.Policy{Redirect: st.ForwardRedirect, Tunnel: st.ForwardTunnel},
		Machines:       machines,
		Commands:       commands,
		Transcripts:    transcripts,
		Downloads:      downloads,
		Events:         events,
		Logger:         logger,
		HTTP:           &http.Client{Timeout: httpTimeout},
		InputLimit:     st.InputLimit,
		DownloadLimit:  st.DownloadLimitSize,
		DownloadRate:   st.DownloadRate,
	}
	if st.BackendMode == config.BackendProxy {
		srvCfg.Backend = &sshd.Backend{
			Address:         st.BackendAddress,
			User:            st.BackendUser,
			Password:        st.BackendPassword,
			KeyFile:         st.BackendKeyFile,
			KnownHosts:      st.KnownHosts,
			InsecureHostKey: st.InsecureHostKey,
			Timeout:         backendTimeout,
		}
		logger.Info("proxy mode", "backend", st.BackendAddress)
	}
	srv, err := sshd.New(srvCfg)
	if err != nil {
		return err
	}

	var telnet *telnetd.Server
	if st.TelnetListen != "" {
		telnet, err = telnetd.New(telnetd.Config{
			MaxConnections: st.MaxConnections,
			Deny:           deny,
			Machines:       machines,
			Commands:       commands,
			Transcripts:    transcripts,
			Downloads:      downloads,
			Events:         events,
			Logger:         logger,
			HTTP:           srvCfg.HTTP,
			InputLimit:     st.InputLimit,
			DownloadLimit:  st.DownloadLimitSize,
			DownloadRate:   st.DownloadRate,
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if st.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, st.MetricsListen, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", st.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	var tln net.Listener
	if telnet != nil {
		if tln, err = net.Listen("tcp", st.TelnetListen); err != nil {
			ln.Close()
			return fmt.Errorf("telnet listen: %w", err)
		}
	}

	// Either listener failing stops both.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	running := 1
	go func() { errs <- srv.Serve(ctx, ln) }()
	if telnet != nil {
		running++
		go func() { errs <- telnet.Serve(ctx, tln) }()
	}
	var serveErr error
	for range running {
		if err := <-errs; err != nil && serveErr == nil {
			serveErr = err
			cancel()
		}
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("shut down")
	return nil
}

// openStore opens an artifact store and finalizes captures an earlier run
// left pending.
func openStore(dir string, minFree int64, logger *slog.Logger) (*artifact.Store, error) {
	s, err := artifact.Open(dir, artifact.WithMinFree(minFree), artifact.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	n, err := s.Sweep()
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", dir, err)
	}
	if n > 0 {
		logger.Info("recovered pending captures", "dir", dir, "count", n)
	}
	return s, nil
}
