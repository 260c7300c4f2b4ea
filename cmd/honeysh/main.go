package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "honeysh",
		Short: "Medium-interaction SSH honeypot with an emulated shell",
		Long: `honeysh accepts SSH logins and gives attackers a fake Linux host: an
in-memory filesystem shared per source address, a set of emulated commands,
SFTP and port forwarding. Every keystroke is recorded as a replayable
transcript and every file fetched or uploaded is kept by content hash.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(playlogCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the honeysh version",
	Args:  cobra.NoArgs,
	Run:   func(*cobra.Command, []string) { printVersion() },
}

func printVersion() {
	fmt.Fprintf(os.Stdout, "honeysh %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
