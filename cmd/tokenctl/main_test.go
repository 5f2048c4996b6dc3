package main

import (
	"context"
	"path/filepath"
	"testing"

	"lv-tradehook/internal/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIssueRevokePurge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	t.Setenv("TOKEN_DB_PATH", path)
	ctx := context.Background()

	require.NoError(t, run(ctx, "issue", []string{"-ttl", "1m"}))
	require.NoError(t, run(ctx, "purge", nil))

	store, err := tokens.OpenShortLived(path)
	require.NoError(t, err)
	raw, _, err := store.Issue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, run(ctx, "revoke", []string{raw}))
	assert.Error(t, run(ctx, "revoke", []string{raw}))
	assert.Error(t, run(ctx, "revoke", nil))
	assert.Error(t, run(ctx, "rotate", nil))
}

func TestRunHashPassword(t *testing.T) {
	assert.NoError(t, run(context.Background(), "hash-password", []string{"s3cret"}))
	assert.Error(t, run(context.Background(), "hash-password", nil))
}
