package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostKeyCallbackDefaultsToTrustOnFirstUse(t *testing.T) {
	cb, err := hostKeyCallback("")
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func TestHostKeyCallbackLoadsKnownHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte("# managed by drover-migrate seed\n"), 0o600))

	cb, err := hostKeyCallback(path)
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func TestHostKeyCallbackRejectsMissingFile(t *testing.T) {
	_, err := hostKeyCallback(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
