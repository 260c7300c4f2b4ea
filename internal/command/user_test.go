package command

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amv42/honeysh/internal/vfs"
)

func TestLookupUser(t *testing.T) {
	fsys := vfs.New(vfs.DefaultTemplate())

	u := LookupUser(fsys, "root")
	assert.Equal(t, "/root", u.Home)
	assert.Zero(t, u.UID)

	u = LookupUser(fsys, "www-data")
	assert.Equal(t, 33, u.UID)
	assert.Equal(t, 33, u.GID)
	assert.Equal(t, "/var/www", u.Home)

	u = LookupUser(fsys, "oracle")
	assert.Equal(t, "/home/oracle", u.Home)
	assert.GreaterOrEqual(t, u.UID, 1000)
	assert.Less(t, u.UID, 1500)
	assert.Equal(t, u.UID, LookupUser(fsys, "oracle").UID, "uid must be stable")

	assert.Equal(t, "/", LookupUser(fsys, "../etc").Home)
	assert.Equal(t, "/", LookupUser(fsys, "").Home)
}
