package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/remote"
	"github.com/openfroyo/pilot/pkg/remote/remotetest"
)

func newRemoteRegistry(t *testing.T) *Registry {
	t.Helper()
	server := remotetest.NewServer(t)

	cfg := DefaultConfig()
	cfg.File.Root = t.TempDir()
	cfg.Browser.Enabled = false
	cfg.Remote.Hosts = map[string]remote.HostConfig{
		"web": {
			Address:               server.Addr(),
			User:                  remotetest.User,
			Password:              remotetest.Password,
			InsecureIgnoreHostKey: true,
			ConnectTimeout:        5 * time.Second,
		},
	}

	r, err := NewRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRemoteStepsWithoutHosts(t *testing.T) {
	ctx := context.Background()

	sys := NewSystemHandler(SystemConfig{}, zerolog.Nop())
	_, err := sys.Handle(ctx, map[string]any{"command": "true", "host": "web"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))

	file, root := newFileHandler(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))

	_, err = file.Handle(ctx, map[string]any{"action": "upload", "path": "a.txt", "remote": "/tmp/a.txt"})
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))

	_, err = file.Handle(ctx, map[string]any{"action": "upload", "host": "web", "path": "a.txt", "remote": "/tmp/a.txt"})
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))

	_, err = file.Handle(ctx, map[string]any{"action": "download", "host": "web", "path": "b.txt"})
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))
}

func TestSystemHandlerRemoteCommand(t *testing.T) {
	r := newRemoteRegistry(t)
	sys := r.Handlers()[engine.CapabilitySystem]
	ctx := context.Background()

	res, err := sys.Handle(ctx, map[string]any{"command": "echo remote", "host": "web"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "web", res.Output["host"])
	assert.Equal(t, "remote\n", res.Output["stdout"])
	assert.Equal(t, 0, res.Output["exit_code"])

	res, err = sys.Handle(ctx, map[string]any{"command": "echo broken >&2; exit 4", "host": "web"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Output["exit_code"])
	assert.Contains(t, res.Error, "status 4 on web: broken")

	_, err = sys.Handle(ctx, map[string]any{"command": "true", "host": "mail"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))
}

func TestFileHandlerUploadDownload(t *testing.T) {
	r := newRemoteRegistry(t)
	file := r.Handlers()[engine.CapabilityFile]
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(r.FileRoot(), "report.txt"), []byte("numbers"), 0o644))
	target := filepath.Join(t.TempDir(), "incoming", "report.txt")

	res, err := file.Handle(ctx, map[string]any{
		"action": "upload", "host": "web", "path": "report.txt", "remote": target, "mode": 0o600,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(len("numbers")), res.Output["bytes"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "numbers", string(data))

	res, err = file.Handle(ctx, map[string]any{
		"action": "download", "host": "web", "remote": target, "path": "copies/report.txt",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	data, err = os.ReadFile(filepath.Join(r.FileRoot(), "copies", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "numbers", string(data))

	_, err = file.Handle(ctx, map[string]any{
		"action": "download", "host": "web", "remote": target + ".missing", "path": "x.txt",
	})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeNotFound, engine.ErrorCode(err))

	_, err = file.Handle(ctx, map[string]any{
		"action": "upload", "host": "web", "path": "../escape.txt", "remote": target,
	})
	assert.Equal(t, engine.ErrCodeInvalidParameters, engine.ErrorCode(err))
}

func TestRegistryDescribesEnvironment(t *testing.T) {
	r := newRemoteRegistry(t)

	assert.Equal(t, "environment", r.Name())
	assert.Equal(t, []string{"web"}, r.RemoteHosts())

	env, err := r.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.FileRoot(), env["file_root"])
	assert.Equal(t, []string{"web"}, env["remote_hosts"])
	assert.Equal(t, []string{"system", "file", "analysis"}, env["capabilities"])

	var _ engine.ContextProvider = r
}
