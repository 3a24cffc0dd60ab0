package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/resilience"
	"github.com/transam/sogr/internal/store"
)

func TestCountSet(t *testing.T) {
	assert.Equal(t, 0, countSet(false, false))
	assert.Equal(t, 1, countSet(true, false, false))
	assert.Equal(t, 2, countSet(true, true, false))
}

func TestSelectAssetKeys(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	metro := &model.Organization{ShortName: "metro", Name: "Metro"}
	county := &model.Organization{ShortName: "county", Name: "County"}
	require.NoError(t, st.SaveOrganization(ctx, metro))
	require.NoError(t, st.SaveOrganization(ctx, county))
	for i, orgID := range []int64{metro.ID, metro.ID, county.ID} {
		a := &model.Asset{
			OrganizationID:  orgID,
			AssetTypeID:     1,
			AssetSubtypeID:  10,
			Class:           model.ClassVehicle,
			AssetTag:        "BUS-" + string(rune('A'+i)),
			ManufactureYear: 2015,
		}
		a.Cleanse()
		require.NoError(t, st.CreateAsset(ctx, a))
	}

	keys, err := selectAssetKeys(ctx, st, "metro")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = selectAssetKeys(ctx, st, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	_, err = selectAssetKeys(ctx, st, "nowhere")
	assert.Error(t, err)
}

func TestFormatBatchResult(t *testing.T) {
	var buf bytes.Buffer
	formatBatchResult(&buf, 5, jobs.BatchResult{Succeeded: 3, Changed: 2, NoPolicy: 1, Failed: 1})
	out := buf.String()
	assert.Contains(t, out, "Assets:     5")
	assert.Contains(t, out, "Changed:    2")
	assert.Contains(t, out, "Failed:     1")
}

func TestFormatDLQList(t *testing.T) {
	var buf bytes.Buffer
	formatDLQList(&buf, []resilience.DLQEntry{{
		ID:           "0123456789abcdef",
		AssetKey:     "asset-1",
		Error:        "serialization failure",
		ErrorType:    "transient",
		Source:       "local",
		RetryCount:   1,
		MaxRetries:   3,
		LastFailedAt: time.Date(2024, time.May, 2, 9, 30, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.Contains(t, out, "asset-1")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "2024-05-02 09:30")
}

func TestDLQFilter(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("error-type", "", "")
	cmd.Flags().Int("limit", 100, "")

	f, err := dlqFilter(cmd)
	require.NoError(t, err)
	assert.Equal(t, resilience.DLQFilter{Limit: 100}, f)

	require.NoError(t, cmd.Flags().Set("error-type", "permanent"))
	f, err = dlqFilter(cmd)
	require.NoError(t, err)
	assert.Equal(t, "permanent", f.ErrorType)

	require.NoError(t, cmd.Flags().Set("error-type", "flaky"))
	_, err = dlqFilter(cmd)
	assert.Error(t, err)
}
