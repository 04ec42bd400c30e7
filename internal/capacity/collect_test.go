// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package capacity_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/capacity/capacitytest"
)

var (
	fixedNow  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	discard   = slog.New(slog.NewTextHandler(io.Discard, nil))
	errBroken = errors.New("broken")
)

func newCollector(src capacity.Source, opts capacity.CollectorOptions) *capacity.Collector {
	opts.Now = func() time.Time { return fixedNow }
	return capacity.NewCollector(src, discard, opts)
}

func TestAssemble_HealthyArray(t *testing.T) {
	c := newCollector(capacitytest.NewSource(), capacity.CollectorOptions{})

	snap, err := c.Assemble(context.Background(), "000197900123")
	require.NoError(t, err)

	assert.Equal(t, "000197900123", snap.ArrayID)
	assert.Equal(t, fixedNow, snap.CollectionTimestamp)
	assert.Equal(t, 250.0, snap.System.FreeGB)
	assert.Equal(t, 75.0, snap.System.UtilizationPercent)
	assert.Equal(t, 2, snap.TotalSRPs())
	assert.Equal(t, 3, snap.TotalStorageGroups())
	assert.Equal(t, 4, snap.TotalVolumes())
	assert.False(t, snap.Degraded())
	require.Len(t, snap.Levels, 4)
	for i, l := range capacity.Levels {
		assert.Equal(t, l, snap.Levels[i].Level)
	}

	// one timestamp for every entity
	assert.Equal(t, fixedNow, snap.System.Timestamp)
	for _, p := range snap.SRPs {
		assert.Equal(t, fixedNow, p.Timestamp)
	}
	for _, sg := range snap.StorageGroups {
		assert.Equal(t, fixedNow, sg.Timestamp)
	}
	for _, v := range snap.Volumes {
		assert.Equal(t, fixedNow, v.Timestamp)
	}
}

func TestCollectPools_SkipsFailedPool(t *testing.T) {
	src := &capacitytest.Source{
		PoolIDs: []string{"SRP_1", "SRP_2", "SRP_3", "SRP_4", "SRP_5"},
		Pools: map[string]capacity.PoolMetrics{
			"SRP_1": {TotalManagedGB: 10},
			"SRP_2": {TotalManagedGB: 10},
			"SRP_4": {TotalManagedGB: 10},
			"SRP_5": {TotalManagedGB: 10},
		},
		ItemErrs: map[string]error{"SRP_3": capacity.DataCollection("fetch pool", errBroken)},
	}
	c := newCollector(src, capacity.CollectorOptions{})

	pools, report, err := c.CollectPools(context.Background(), "a", fixedNow)
	require.NoError(t, err)
	require.Len(t, pools, 4)
	for _, p := range pools {
		assert.NotEqual(t, "SRP_3", p.SRPID)
	}
	assert.Equal(t, 4, report.Collected)
	assert.Equal(t, 1, report.Skipped)

	snap, err := c.Assemble(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalSRPs())
}

func TestCollectPools_EmptyArray(t *testing.T) {
	c := newCollector(&capacitytest.Source{}, capacity.CollectorOptions{})

	pools, report, err := c.CollectPools(context.Background(), "a", fixedNow)
	require.NoError(t, err)
	assert.NotNil(t, pools)
	assert.Empty(t, pools)
	assert.False(t, report.Degraded)
}

func TestCollectStorageGroups_SkipsEmptyIdentifiers(t *testing.T) {
	src := capacitytest.NewSource()
	src.GroupIDs = append([]string{""}, src.GroupIDs...)
	c := newCollector(src, capacity.CollectorOptions{})

	groups, report, err := c.CollectStorageGroups(context.Background(), "a", fixedNow)
	require.NoError(t, err)
	assert.Len(t, groups, 3)
	assert.Equal(t, 1, report.Skipped)
}

func TestAssemble_SystemConnectivityFailureIsFatal(t *testing.T) {
	src := capacitytest.NewSource()
	src.SystemErr = capacity.Connectivity("fetch system", errBroken)
	c := newCollector(src, capacity.CollectorOptions{})

	snap, err := c.Assemble(context.Background(), "a")
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, capacity.KindConnectivity, capacity.KindOf(err))
	assert.ErrorIs(t, err, errBroken)
}

func TestAssemble_SystemDataFailureIsFatal(t *testing.T) {
	src := capacitytest.NewSource()
	src.SystemErr = errBroken
	c := newCollector(src, capacity.CollectorOptions{})

	_, err := c.Assemble(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, capacity.KindDataCollection, capacity.KindOf(err))
}

func TestAssemble_ListFailureDegradesLevel(t *testing.T) {
	src := capacitytest.NewSource()
	src.GroupListErr = capacity.DataCollection("list storage groups", errBroken)
	c := newCollector(src, capacity.CollectorOptions{})

	snap, err := c.Assemble(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, snap.StorageGroups)
	assert.Equal(t, 2, snap.TotalSRPs())
	assert.Equal(t, 4, snap.TotalVolumes())
	assert.True(t, snap.Degraded())
	assert.Equal(t, []capacity.Level{capacity.LevelStorageGroups}, snap.DegradedLevels())
	assert.Contains(t, snap.Levels[2].Error, "broken")
}

func TestAssemble_AuthenticationFailureOnListAborts(t *testing.T) {
	src := capacitytest.NewSource()
	src.VolumeListErr = capacity.Authentication("list volumes", errBroken)
	c := newCollector(src, capacity.CollectorOptions{})

	snap, err := c.Assemble(context.Background(), "a")
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, capacity.KindAuthentication, capacity.KindOf(err))
}

func TestAssemble_ConnectivityFailureOnItemAborts(t *testing.T) {
	src := capacitytest.NewSource()
	src.ItemErrs = map[string]error{"00002": capacity.Connectivity("fetch volume", errBroken)}
	c := newCollector(src, capacity.CollectorOptions{})

	_, err := c.Assemble(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, capacity.IsFatal(err))
}

func TestAssemble_CanceledContextFailsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newCollector(capacitytest.NewSource(), capacity.CollectorOptions{})

	_, err := c.Assemble(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectVolumes_ReportsProgress(t *testing.T) {
	src := &capacitytest.Source{Volumes: map[string]capacity.VolumeDetails{}}
	for i := 0; i < 250; i++ {
		id := fmt.Sprintf("%05X", i)
		src.VolumeIDs = append(src.VolumeIDs, id)
		src.Volumes[id] = capacity.VolumeDetails{CapacityGB: float64(i)}
	}
	var got []capacity.Progress
	c := newCollector(src, capacity.CollectorOptions{
		OnProgress: func(p capacity.Progress) { got = append(got, p) },
	})

	volumes, _, err := c.CollectVolumes(context.Background(), "a", fixedNow)
	require.NoError(t, err)
	assert.Len(t, volumes, 250)
	assert.Equal(t, []capacity.Progress{
		{Level: capacity.LevelVolumes},
		{Level: capacity.LevelVolumes, Total: 250},
		{Level: capacity.LevelVolumes, Processed: 100, Total: 250},
		{Level: capacity.LevelVolumes, Processed: 200, Total: 250},
	}, got)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", capacity.Authentication("login", errBroken))
	assert.Equal(t, capacity.KindAuthentication, capacity.KindOf(err))
	assert.True(t, capacity.IsFatal(err))
	assert.Equal(t, capacity.KindDataCollection, capacity.KindOf(errBroken))
	assert.False(t, capacity.IsFatal(errBroken))
	assert.Equal(t, "authentication error: login: broken", capacity.Authentication("login", errBroken).Error())
}
