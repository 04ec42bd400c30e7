// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package capacity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupsSnapshot() *Snapshot {
	return &Snapshot{
		ArrayID:             "000197900123",
		CollectionTimestamp: ts,
		System:              NewSystemCapacity("000197900123", ts, SystemMetrics{EffectiveUsedGB: 333.333, MaxEffectiveGB: 1000, TotalUsableGB: 900}),
		SRPs:                []SrpCapacity{NewSrpCapacity("SRP_1", ts, PoolMetrics{TotalManagedGB: 1})},
		StorageGroups: []StorageGroupCapacity{
			{StorageGroupID: "small", CapacityGB: 10, NumVolumes: 1},
			{StorageGroupID: "mid", CapacityGB: 50, NumVolumes: 3, ServiceLevel: "Diamond", SRPName: "SRP_1"},
			{StorageGroupID: "big", CapacityGB: 100, NumVolumes: 4, ServiceLevel: "Diamond", SRPName: "SRP_2"},
			{StorageGroupID: "gold", CapacityGB: 70, NumVolumes: 2, ServiceLevel: "Gold", SRPName: "SRP_1"},
		},
	}
}

func TestQueries_NoData(t *testing.T) {
	_, err := StorageGroups(nil, StorageGroupFilter{}, 0)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = Volumes(nil, VolumeQuery{})
	assert.ErrorIs(t, err, ErrNoData)
	_, err = ServiceLevelBreakdown(nil)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = TopConsumers(nil, 5)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = Summarize(nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestStorageGroups_FilterAndSort(t *testing.T) {
	s := groupsSnapshot()

	all, err := StorageGroups(s, StorageGroupFilter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "gold", "mid", "small"}, groupIDs(all))

	diamond, err := StorageGroups(s, StorageGroupFilter{ServiceLevel: "Diamond"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "mid"}, groupIDs(diamond))

	both, err := StorageGroups(s, StorageGroupFilter{ServiceLevel: "Diamond", SRPName: "SRP_1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, groupIDs(both))

	limited, err := StorageGroups(s, StorageGroupFilter{SRPName: "SRP_1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"gold"}, groupIDs(limited))

	// the snapshot itself is left in collection order
	assert.Equal(t, "small", s.StorageGroups[0].StorageGroupID)
}

func TestServiceLevelBreakdown(t *testing.T) {
	s := &Snapshot{StorageGroups: []StorageGroupCapacity{
		{ServiceLevel: "Diamond", CapacityGB: 100, NumVolumes: 2},
		{ServiceLevel: "Diamond", CapacityGB: 50, NumVolumes: 1},
		{CapacityGB: 10, NumVolumes: 5},
	}}

	got, err := ServiceLevelBreakdown(s)
	require.NoError(t, err)
	assert.Equal(t, []ServiceLevelStats{
		{ServiceLevel: "Diamond", Count: 2, TotalCapacityGB: 150, NumVolumes: 3},
		{ServiceLevel: "None", Count: 1, TotalCapacityGB: 10, NumVolumes: 5},
	}, got)
}

func TestTopConsumers(t *testing.T) {
	s := &Snapshot{}
	for i := 0; i < 15; i++ {
		s.StorageGroups = append(s.StorageGroups, StorageGroupCapacity{
			StorageGroupID: fmt.Sprintf("sg%02d", i),
			CapacityGB:     float64(i),
		})
	}

	top, err := TopConsumers(s, 0)
	require.NoError(t, err)
	require.Len(t, top, DefaultTopN)
	assert.Equal(t, "sg14", top[0].StorageGroupID)
	assert.Equal(t, "sg05", top[9].StorageGroupID)

	top3, err := TopConsumers(s, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"sg14", "sg13", "sg12"}, groupIDs(top3))
}

func TestVolumes_Pagination(t *testing.T) {
	s := &Snapshot{}
	// inserted in ascending order so sorting matters
	for i := 1; i <= 25; i++ {
		s.Volumes = append(s.Volumes, VolumeCapacity{VolumeID: fmt.Sprintf("v%02d", i), CapacityGB: float64(i)})
	}

	page, err := Volumes(s, VolumeQuery{Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 10, page.Offset)
	assert.Equal(t, 5, page.Limit)
	// ranks 11 to 15 by capacity
	assert.Equal(t, []string{"v15", "v14", "v13", "v12", "v11"}, volumeIDs(page.Volumes))

	tail, err := Volumes(s, VolumeQuery{Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, 25, tail.Total)
	assert.Len(t, tail.Volumes, 5)

	past, err := Volumes(s, VolumeQuery{Offset: 30, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, past.Total)
	assert.Empty(t, past.Volumes)
	assert.NotNil(t, past.Volumes)
}

func TestVolumes_FilterByStorageGroup(t *testing.T) {
	s := &Snapshot{Volumes: []VolumeCapacity{
		{VolumeID: "a", CapacityGB: 1, StorageGroups: []string{"sg1"}},
		{VolumeID: "b", CapacityGB: 3, StorageGroups: []string{"sg1", "sg2"}},
		{VolumeID: "c", CapacityGB: 2, StorageGroups: []string{"sg2"}},
		{VolumeID: "d", CapacityGB: 9},
	}}

	page, err := Volumes(s, VolumeQuery{StorageGroup: "sg2"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, []string{"b", "c"}, volumeIDs(page.Volumes))
}

func TestSummarize(t *testing.T) {
	s := groupsSnapshot()
	s.Levels = []LevelReport{{Level: LevelSystem, Collected: 1}, {Level: LevelVolumes, Degraded: true}}

	first, err := Summarize(s)
	require.NoError(t, err)
	second, err := Summarize(s)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 33.33, first.System.UtilizationPercent)
	assert.Equal(t, 333.333, first.System.UsedGB)
	assert.Equal(t, 900.0, first.System.TotalUsableGB)
	assert.Equal(t, Counts{SRPs: 1, StorageGroups: 4, Volumes: 0}, first.Counts)
	assert.Equal(t, []Level{LevelVolumes}, first.DegradedLevels)
}

func TestNewRunSummary(t *testing.T) {
	s := groupsSnapshot()
	got := NewRunSummary(s)
	assert.Equal(t, "000197900123", got.ArrayID)
	assert.Equal(t, 1, got.TotalSRPs)
	assert.Equal(t, 4, got.TotalStorageGroups)
	assert.Equal(t, 0, got.TotalVolumes)
	assert.InDelta(t, 33.3333, got.SystemUtilizationPercent, 0.001)
}

func groupIDs(groups []StorageGroupCapacity) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.StorageGroupID
	}
	return out
}

func volumeIDs(volumes []VolumeCapacity) []string {
	out := make([]string, len(volumes))
	for i, v := range volumes {
		out[i] = v.VolumeID
	}
	return out
}
