package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awcp/awcp/internal/delegation"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func newRecord(id string) *delegation.Delegation {
	spec := &environment.Spec{Resources: []environment.Resource{
		{Name: "w", Kind: environment.ResourceKindFS, Source: "/src", Mode: protocol.AccessRW},
	}}
	return delegation.New(id, "http://peer", spec,
		protocol.TaskSpec{Description: "t"},
		protocol.LeaseConfig{TTLSeconds: 60, AccessMode: protocol.AccessRW})
}

func terminal(t *testing.T, d *delegation.Delegation) {
	t.Helper()
	require.NoError(t, d.Apply(delegation.EventSendInvite, nil))
	require.NoError(t, d.Apply(delegation.EventReceiveError, &protocol.ErrorMessage{Code: "DECLINED"}))
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "awcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func TestRepositoryCRUD(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := newRecord("d-1")
			require.NoError(t, repo.Create(ctx, d))

			// Duplicate ids are rejected.
			assert.Error(t, repo.Create(ctx, newRecord("d-1")))

			got, err := repo.Get(ctx, "d-1")
			require.NoError(t, err)
			assert.Equal(t, "d-1", got.ID)
			assert.Equal(t, delegation.StateCreated, got.State)

			_, err = repo.Get(ctx, "ghost")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := repo.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, repo.Delete(ctx, "d-1"))
			assert.ErrorIs(t, repo.Delete(ctx, "d-1"), ErrNotFound)
		})
	}
}

func TestRepositoryPruneTerminal(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := newRecord("old-terminal")
			terminal(t, old)
			old.UpdatedAt = time.Now().Add(-2 * time.Hour)
			require.NoError(t, repo.Create(ctx, old))
			require.NoError(t, repo.Update(ctx, old))

			live := newRecord("still-live")
			require.NoError(t, repo.Create(ctx, live))

			fresh := newRecord("fresh-terminal")
			terminal(t, fresh)
			require.NoError(t, repo.Create(ctx, fresh))

			pruned, err := repo.PruneTerminal(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, pruned)

			_, err = repo.Get(ctx, "old-terminal")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.Get(ctx, "still-live")
			require.NoError(t, err)
			_, err = repo.Get(ctx, "fresh-terminal")
			require.NoError(t, err)
		})
	}
}

func TestSQLiteRoundTripsFullRecord(t *testing.T) {
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "awcp.db"))
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	d := newRecord("d-1")
	require.NoError(t, d.Apply(delegation.EventSendInvite, nil))
	require.NoError(t, d.Apply(delegation.EventReceiveAccept, &protocol.Accept{
		ExecutorWorkDir: protocol.WorkDir{Path: "/work/d-1"},
	}))
	require.NoError(t, repo.Create(ctx, d))
	require.NoError(t, repo.Update(ctx, d))

	got, err := repo.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, delegation.StateAccepted, got.State)
	assert.Equal(t, "/work/d-1", got.ExecutorWorkDir)
	assert.Len(t, got.History, 2)
	require.NotNil(t, got.Environment)
	assert.Equal(t, "w", got.Environment.Resources[0].Name)
}
