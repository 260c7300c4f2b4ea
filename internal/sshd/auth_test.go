package sshd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyList(t *testing.T) {
	dl, err := ParseDenyList([]string{"root:123456", "admin:*", "*:hunter2"})
	require.NoError(t, err)

	tests := []struct {
		user, password string
		want           bool
	}{
		{"root", "123456", true},
		{"root", "toor", false},
		{"admin", "anything", true},
		{"guest", "hunter2", true},
		{"guest", "guest", false},
	}
	for _, tt := range tests {
		t.Run(tt.user+":"+tt.password, func(t *testing.T) {
			assert.Equal(t, tt.want, dl.Denies(tt.user, tt.password))
		})
	}
}

func TestDenyList_Empty(t *testing.T) {
	var dl DenyList
	assert.False(t, dl.Denies("root", ""))
}

func TestParseDenyList_Invalid(t *testing.T) {
	_, err := ParseDenyList([]string{"nocolon"})
	require.Error(t, err)
	_, err = ParseDenyList([]string{":pw"})
	require.Error(t, err)
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_ed25519_key")

	first, generated, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.True(t, generated)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, generated, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestLoadOrGenerateHostKey_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, _, err := LoadOrGenerateHostKey(path)
	require.Error(t, err)
}
