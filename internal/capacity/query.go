// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package capacity

import (
	"math"
	"sort"
	"time"
)

// DefaultTopN is the number of storage groups TopConsumers returns when the
// caller does not ask for a specific count.
const DefaultTopN = 10

// NoServiceLevel is the category for storage groups without a service level.
const NoServiceLevel = "None"

// StorageGroupFilter selects storage groups by exact match. Empty fields
// match everything.
type StorageGroupFilter struct {
	ServiceLevel string
	SRPName      string
}

func (f StorageGroupFilter) match(sg StorageGroupCapacity) bool {
	if f.ServiceLevel != "" && sg.ServiceLevel != f.ServiceLevel {
		return false
	}
	if f.SRPName != "" && sg.SRPName != f.SRPName {
		return false
	}
	return true
}

// StorageGroups returns the groups matching f, largest first, truncated to
// limit when limit is positive.
func StorageGroups(s *Snapshot, f StorageGroupFilter, limit int) ([]StorageGroupCapacity, error) {
	if s == nil {
		return nil, ErrNoData
	}
	out := make([]StorageGroupCapacity, 0, len(s.StorageGroups))
	for _, sg := range s.StorageGroups {
		if f.match(sg) {
			out = append(out, sg)
		}
	}
	sortGroupsByCapacity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// VolumeQuery selects and pages volumes. An empty StorageGroup matches all
// volumes; a non-positive Limit returns everything after Offset.
type VolumeQuery struct {
	StorageGroup string
	Offset       int
	Limit        int
}

// VolumePage is one page of volumes. Total counts matching volumes before
// paging.
type VolumePage struct {
	Total   int              `json:"total"`
	Offset  int              `json:"offset"`
	Limit   int              `json:"limit"`
	Volumes []VolumeCapacity `json:"volumes"`
}

// Volumes returns the volumes matching q, largest first, paged by q.Offset
// and q.Limit.
func Volumes(s *Snapshot, q VolumeQuery) (VolumePage, error) {
	if s == nil {
		return VolumePage{}, ErrNoData
	}
	matched := make([]VolumeCapacity, 0, len(s.Volumes))
	for _, v := range s.Volumes {
		if q.StorageGroup == "" || v.InStorageGroup(q.StorageGroup) {
			matched = append(matched, v)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CapacityGB > matched[j].CapacityGB
	})

	offset := max(q.Offset, 0)
	page := VolumePage{Total: len(matched), Offset: offset, Limit: max(q.Limit, 0)}
	if offset >= len(matched) {
		page.Volumes = []VolumeCapacity{}
		return page, nil
	}
	end := len(matched)
	if q.Limit > 0 && offset+q.Limit < end {
		end = offset + q.Limit
	}
	page.Volumes = matched[offset:end]
	return page, nil
}

// ServiceLevelStats aggregates the storage groups sharing a service level.
type ServiceLevelStats struct {
	ServiceLevel    string  `json:"service_level"`
	Count           int     `json:"count"`
	TotalCapacityGB float64 `json:"total_capacity_gb"`
	NumVolumes      int     `json:"num_volumes"`
}

// ServiceLevelBreakdown groups storage groups by service level in the order
// levels are first seen. Groups without a level fall under NoServiceLevel.
func ServiceLevelBreakdown(s *Snapshot) ([]ServiceLevelStats, error) {
	if s == nil {
		return nil, ErrNoData
	}
	index := make(map[string]int)
	out := []ServiceLevelStats{}
	for _, sg := range s.StorageGroups {
		level := sg.ServiceLevel
		if level == "" {
			level = NoServiceLevel
		}
		i, ok := index[level]
		if !ok {
			i = len(out)
			index[level] = i
			out = append(out, ServiceLevelStats{ServiceLevel: level})
		}
		out[i].Count++
		out[i].TotalCapacityGB += sg.CapacityGB
		out[i].NumVolumes += sg.NumVolumes
	}
	return out, nil
}

// TopConsumers returns the n largest storage groups, DefaultTopN when n is
// not positive.
func TopConsumers(s *Snapshot, n int) ([]StorageGroupCapacity, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	return StorageGroups(s, StorageGroupFilter{}, n)
}

// SystemSummary is the array-wide part of Summary.
type SystemSummary struct {
	TotalUsableGB      float64 `json:"total_usable_gb"`
	UsedGB             float64 `json:"used_gb"`
	FreeGB             float64 `json:"free_gb"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Counts holds entity counts per level.
type Counts struct {
	SRPs          int `json:"srps"`
	StorageGroups int `json:"storage_groups"`
	Volumes       int `json:"volumes"`
}

// Summary is the dashboard overview of a snapshot.
type Summary struct {
	ArrayID             string        `json:"array_id"`
	CollectionTimestamp time.Time     `json:"collection_timestamp"`
	System              SystemSummary `json:"system"`
	Counts              Counts        `json:"counts"`
	DegradedLevels      []Level       `json:"degraded_levels"`
}

// Summarize returns the overview of s with utilization rounded to two
// decimal places.
func Summarize(s *Snapshot) (Summary, error) {
	if s == nil {
		return Summary{}, ErrNoData
	}
	return Summary{
		ArrayID:             s.ArrayID,
		CollectionTimestamp: s.CollectionTimestamp,
		System: SystemSummary{
			TotalUsableGB:      s.System.TotalUsableGB,
			UsedGB:             s.System.EffectiveUsedGB,
			FreeGB:             s.System.FreeGB,
			UtilizationPercent: Round2(s.System.UtilizationPercent),
		},
		Counts: Counts{
			SRPs:          s.TotalSRPs(),
			StorageGroups: s.TotalStorageGroups(),
			Volumes:       s.TotalVolumes(),
		},
		DegradedLevels: s.DegradedLevels(),
	}, nil
}

// RunSummary is the compact result published when a run completes.
type RunSummary struct {
	ArrayID                  string  `json:"array_id"`
	TotalSRPs                int     `json:"total_srps"`
	TotalStorageGroups       int     `json:"total_storage_groups"`
	TotalVolumes             int     `json:"total_volumes"`
	SystemUtilizationPercent float64 `json:"system_utilization_percent"`
}

func NewRunSummary(s *Snapshot) RunSummary {
	return RunSummary{
		ArrayID:                  s.ArrayID,
		TotalSRPs:                s.TotalSRPs(),
		TotalStorageGroups:       s.TotalStorageGroups(),
		TotalVolumes:             s.TotalVolumes(),
		SystemUtilizationPercent: s.System.UtilizationPercent,
	}
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortGroupsByCapacity(groups []StorageGroupCapacity) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].CapacityGB > groups[j].CapacityGB
	})
}
