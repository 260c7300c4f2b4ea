package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/amv42/honeysh/internal/config"
	"github.com/amv42/honeysh/internal/ttylog"
	"github.com/amv42/honeysh/internal/vfs"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <dir> <output>",
	Short: "Build a filesystem template from a directory tree",
	Long: `Walk a real directory tree and write it as a compressed filesystem
template for honeypot.filesystem. Small regular files keep their content;
larger ones keep only their size. Ownership is reset to root.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMkfs,
}

var playlogCmd = &cobra.Command{
	Use:           "playlog <transcript>",
	Short:         "Replay a session transcript to the terminal",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPlaylog,
}

func init() {
	mkfsCmd.Flags().String("max-inline", "64K", "keep content of files up to SIZE")

	playlogCmd.Flags().Float64("speed", 1, "playback speed multiplier")
	playlogCmd.Flags().Duration("max-wait", 0, "cap each pause at this duration (0 = no cap)")
	playlogCmd.Flags().Bool("input", false, "also show the attacker's keystrokes")
}

func runMkfs(cmd *cobra.Command, args []string) error {
	maxInlineStr, _ := cmd.Flags().GetString("max-inline") //nolint:errcheck // flag name is hardcoded
	maxInline, err := config.ParseSize(maxInlineStr)
	if err != nil {
		return fmt.Errorf("invalid --max-inline: %w", err)
	}

	root, err := vfs.BuildTemplate(args[0], maxInline)
	if err != nil {
		return fmt.Errorf("scan %s: %w", args[0], err)
	}
	if err := vfs.WriteTemplate(args[1], root); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", args[1])
	return nil
}

func runPlaylog(cmd *cobra.Command, args []string) error {
	speed, _ := cmd.Flags().GetFloat64("speed")       //nolint:errcheck // flag name is hardcoded
	maxWait, _ := cmd.Flags().GetDuration("max-wait") //nolint:errcheck // flag name is hardcoded
	input, _ := cmd.Flags().GetBool("input")          //nolint:errcheck // flag name is hardcoded
	if speed <= 0 {
		return fmt.Errorf("invalid --speed %v: must be positive", speed)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A transcript may leave colours or a hidden cursor behind; only a
	// terminal gets the clear and reset sequences.
	if isTTY(os.Stdout) {
		fmt.Fprint(os.Stdout, "\x1b[2J\x1b[H")
		defer fmt.Fprint(os.Stdout, "\x1b[0m\x1b[?25h\r\n")
	}

	err = ttylog.Replay(ctx, f, os.Stdout, ttylog.ReplayOptions{
		Speed:   speed,
		MaxWait: maxWait,
		Input:   input,
	})
	if errors.Is(err, context.Canceled) {
		return &exitError{code: 130}
	}
	if err != nil {
		return fmt.Errorf("replay %s: %w", args[0], err)
	}
	return nil
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
