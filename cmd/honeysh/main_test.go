package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amv42/honeysh/internal/config"
	"github.com/amv42/honeysh/internal/vfs"
)

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().AddFlagSet(serveCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", "127.0.0.1:22", "--telnet", ":2323", "-v"}))

	st := config.Settings{Listen: ":2222", LogLevel: "info", LogFile: "keep.json"}
	applyFlags(cmd, &st)
	assert.Equal(t, "127.0.0.1:22", st.Listen)
	assert.Equal(t, ":2323", st.TelnetListen)
	assert.Equal(t, "debug", st.LogLevel)
	assert.Equal(t, "keep.json", st.LogFile, "unset flags leave settings alone")
}

func TestMkfs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "issue"), []byte("Debian GNU/Linux 7\n"), 0o644))
	out := filepath.Join(t.TempDir(), "fs.tmpl")

	require.NoError(t, runMkfs(mkfsCmd, []string{src, out}))

	root, err := vfs.LoadTemplate(out)
	require.NoError(t, err)
	data, err := vfs.New(root).ReadFile("/etc/issue")
	require.NoError(t, err)
	assert.Equal(t, "Debian GNU/Linux 7\n", string(data))
}

func TestMkfs_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	require.Error(t, runMkfs(mkfsCmd, []string{f, filepath.Join(t.TempDir(), "out")}))
}

func TestOpenStore_RecoversPending(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20240301-abc-0-stdin"), []byte("payload"), 0o600))

	s, err := openStore(dir, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer s.Close()
	_, err = os.Stat(filepath.Join(dir, "20240301-abc-0-stdin"))
	assert.True(t, os.IsNotExist(err), "pending capture should be published")
}

func TestGenDocs(t *testing.T) {
	root := &cobra.Command{Use: "honeysh"}
	root.AddCommand(&cobra.Command{Use: "serve", Short: "Run", Run: func(*cobra.Command, []string) {}})
	gen := &cobra.Command{Use: "gen-docs", RunE: runGenDocs}
	gen.Flags().AddFlagSet(docsCmd.Flags())
	root.AddCommand(gen)

	dir := t.TempDir()
	require.NoError(t, gen.Flags().Parse([]string{"--dir", dir, "--format", "markdown"}))
	require.NoError(t, runGenDocs(gen, nil))
	data, err := os.ReadFile(filepath.Join(dir, "honeysh_serve.md"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Auto generated")

	require.NoError(t, gen.Flags().Set("format", "pdf"))
	assert.ErrorContains(t, runGenDocs(gen, nil), "man, markdown, rest, yaml")
}
