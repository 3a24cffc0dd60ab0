package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transam/sogr/internal/config"
)

func useStore(driver, url string) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: driver, DatabaseURL: url}}
}

func TestInitStore(t *testing.T) {
	useStore("sqlite", filepath.Join(t.TempDir(), "fleet.db"))
	st, err := initStore(context.Background())
	require.NoError(t, err)
	assert.NoError(t, st.Close())

	useStore("oracle", "")
	st, err = initStore(context.Background())
	assert.Nil(t, st)
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestInitStore_DefaultsToLocalFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	useStore("sqlite", "")
	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	assert.FileExists(t, filepath.Join(dir, "sogr.db"))
}

func TestOpenStore_AppliesSchema(t *testing.T) {
	ctx := context.Background()
	useStore("sqlite", filepath.Join(t.TempDir(), "m.db"))

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
