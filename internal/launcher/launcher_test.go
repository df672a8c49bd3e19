package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// sleeperScript builds a tiny shell script that ignores its arguments and
// sleeps, standing in for the real worker binary in tests.
func sleeperScript(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in this environment")
	}
	path := filepath.Join(t.TempDir(), "sleeper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755))
	return path
}

func TestLocalLauncherLaunchesProcess(t *testing.T) {
	bin := sleeperScript(t)
	l := &LocalLauncher{BinaryPath: bin, LogDir: t.TempDir()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := l.Launch(ctx, "127.0.0.1:10090", types.ServiceId("svc1"))
	require.NoError(t, err)
	require.NotNil(t, handle)

	assert.NoError(t, handle.Kill())
}

func TestLocalLauncherFailsOnMissingBinary(t *testing.T) {
	l := &LocalLauncher{BinaryPath: "/no/such/binary-should-not-exist", LogDir: t.TempDir()}

	_, err := l.Launch(context.Background(), "127.0.0.1:10090", types.ServiceId("svc1"))
	assert.Error(t, err)
}
