package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func specFor(dir string) *environment.Spec {
	return &environment.Spec{Resources: []environment.Resource{
		{Name: "workspace", Kind: environment.ResourceKindFS, Source: dir, Mode: protocol.AccessRW},
	}}
}

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0o644))
}

func TestCheckInviteOrder(t *testing.T) {
	c := NewController(Limits{MaxConcurrentDelegations: 2, MaxTTLSeconds: 100}, testLogger(t))
	okDep := DependencyStatus{Available: true}
	lease := protocol.LeaseConfig{TTLSeconds: 50, AccessMode: protocol.AccessRW}

	// Concurrency trumps everything else.
	err := c.CheckInvite(protocol.LeaseConfig{TTLSeconds: 9999, AccessMode: "bogus"}, 2, DependencyStatus{})
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeDeclined, awcperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "concurrency")

	// TTL over the cap.
	err = c.CheckInvite(protocol.LeaseConfig{TTLSeconds: 200, AccessMode: protocol.AccessRW}, 0, okDep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl")

	// Disallowed mode.
	ro := NewController(Limits{AllowedAccessModes: []protocol.AccessMode{protocol.AccessRO}}, testLogger(t))
	err = ro.CheckInvite(lease, 0, okDep)
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeDeclined, awcperrors.CodeOf(err))

	// Missing transport dependency.
	err = c.CheckInvite(lease, 0, DependencyStatus{Available: false, Hint: "install sshfs"})
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeDepMissing, awcperrors.CodeOf(err))

	// All clear.
	require.NoError(t, c.CheckInvite(lease, 1, okDep))
}

func TestWorkspaceOverFileCount(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		writeBytes(t, filepath.Join(dir, name), 50)
	}

	c := NewController(Limits{MaxFileCount: 3}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeWorkspaceTooLarge, awcperrors.CodeOf(err))
	assert.Equal(t, 5, stats.FileCount)
}

func TestWorkspaceOverTotalBytes(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, "one"), 1000)
	writeBytes(t, filepath.Join(dir, "two"), 1000)

	c := NewController(Limits{MaxTotalBytes: 1024}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeWorkspaceTooLarge, awcperrors.CodeOf(err))
	assert.GreaterOrEqual(t, stats.EstimatedBytes, int64(2000))
}

func TestWorkspaceOverSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, "big"), 4096)

	c := NewController(Limits{MaxSingleFileBytes: 1024}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.Error(t, err)
	assert.Equal(t, int64(4096), stats.LargestFileBytes)
}

func TestWorkspaceWithinLimits(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, "small"), 128)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	writeBytes(t, filepath.Join(dir, "sub", "nested"), 128)

	c := NewController(Limits{}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, int64(256), stats.EstimatedBytes)
}

func TestWorkspaceMissingSource(t *testing.T) {
	c := NewController(Limits{}, testLogger(t))
	_, err := c.CheckWorkspace(context.Background(), specFor("/does/not/exist"))
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeWorkspaceNotFound, awcperrors.CodeOf(err))
}

func TestWorkspaceSymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, "f"), 10)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	// sub/loop -> dir creates a cycle when followed.
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "sub", "loop")))

	c := NewController(Limits{}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FileCount)
}

func TestHiddenFilesAreCounted(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, ".hidden"), 10)

	c := NewController(Limits{}, testLogger(t))
	stats, err := c.CheckWorkspace(context.Background(), specFor(dir))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FileCount)
}

func TestDefaultLimits(t *testing.T) {
	def := DefaultLimits()
	assert.Equal(t, 5, def.MaxConcurrentDelegations)
	assert.Equal(t, 3600, def.MaxTTLSeconds)
	assert.Equal(t, int64(100*1024*1024), def.MaxTotalBytes)
	assert.Equal(t, 10000, def.MaxFileCount)
	assert.Equal(t, int64(50*1024*1024), def.MaxSingleFileBytes)
}
