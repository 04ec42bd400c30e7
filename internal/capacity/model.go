// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package capacity models the PowerMax capacity hierarchy (array, storage
// resource pool, storage group, volume), collects it level by level from a
// Source and answers read-only queries over the resulting Snapshot.
package capacity

import (
	"time"

	"github.com/goccy/go-json"
)

// Level identifies one tier of the capacity hierarchy.
type Level string

const (
	LevelSystem        Level = "system"
	LevelSRP           Level = "srps"
	LevelStorageGroups Level = "storage_groups"
	LevelVolumes       Level = "volumes"
)

// Levels lists the hierarchy in collection order.
var Levels = []Level{LevelSystem, LevelSRP, LevelStorageGroups, LevelVolumes}

// SystemMetrics are the raw array-wide values returned by a Source, in GB.
type SystemMetrics struct {
	EffectiveUsedGB float64
	MaxEffectiveGB  float64
	SubscribedGB    float64
	TotalUsableGB   float64
}

// PoolMetrics are the raw values for one storage resource pool, in GB.
type PoolMetrics struct {
	UsedGB         float64
	SubscribedGB   float64
	TotalManagedGB float64
}

// GroupDetails are the raw values for one storage group.
type GroupDetails struct {
	CapacityGB   float64
	NumVolumes   int
	ServiceLevel string
	SRPName      string
	Compression  bool
}

// VolumeDetails are the raw values for one volume.
type VolumeDetails struct {
	Identifier       string
	CapacityGB       float64
	AllocatedPercent float64
	StorageGroups    []string
	WWN              string
	EmulationType    string
}

// SystemCapacity is the array-wide capacity view.
type SystemCapacity struct {
	ArrayID            string    `json:"array_id"`
	Timestamp          time.Time `json:"timestamp"`
	EffectiveUsedGB    float64   `json:"effective_used_capacity_gb"`
	MaxEffectiveGB     float64   `json:"max_effective_capacity_gb"`
	SubscribedGB       float64   `json:"subscribed_capacity_gb"`
	TotalUsableGB      float64   `json:"total_usable_capacity_gb"`
	FreeGB             float64   `json:"free_capacity_gb"`
	UtilizationPercent float64   `json:"utilization_percent"`
}

// NewSystemCapacity derives free capacity and utilization from m. Both are
// zero when the array reports no effective capacity.
func NewSystemCapacity(arrayID string, ts time.Time, m SystemMetrics) SystemCapacity {
	s := SystemCapacity{
		ArrayID:         arrayID,
		Timestamp:       ts,
		EffectiveUsedGB: m.EffectiveUsedGB,
		MaxEffectiveGB:  m.MaxEffectiveGB,
		SubscribedGB:    m.SubscribedGB,
		TotalUsableGB:   m.TotalUsableGB,
	}
	if m.MaxEffectiveGB > 0 {
		s.FreeGB = m.MaxEffectiveGB - m.EffectiveUsedGB
		s.UtilizationPercent = m.EffectiveUsedGB / m.MaxEffectiveGB * 100
	}
	return s
}

// SrpCapacity is the capacity of one storage resource pool.
type SrpCapacity struct {
	SRPID               string    `json:"srp_id"`
	Timestamp           time.Time `json:"timestamp"`
	UsedGB              float64   `json:"used_capacity_gb"`
	SubscribedGB        float64   `json:"subscribed_capacity_gb"`
	TotalManagedGB      float64   `json:"total_managed_space_gb"`
	FreeGB              float64   `json:"free_capacity_gb"`
	UtilizationPercent  float64   `json:"utilization_percent"`
	SubscriptionPercent float64   `json:"subscription_percent"`
}

// NewSrpCapacity derives free, utilization and subscription values. All are
// zero when the pool manages no space.
func NewSrpCapacity(id string, ts time.Time, m PoolMetrics) SrpCapacity {
	p := SrpCapacity{
		SRPID:          id,
		Timestamp:      ts,
		UsedGB:         m.UsedGB,
		SubscribedGB:   m.SubscribedGB,
		TotalManagedGB: m.TotalManagedGB,
	}
	if m.TotalManagedGB > 0 {
		p.FreeGB = m.TotalManagedGB - m.UsedGB
		p.UtilizationPercent = m.UsedGB / m.TotalManagedGB * 100
		p.SubscriptionPercent = m.SubscribedGB / m.TotalManagedGB * 100
	}
	return p
}

// StorageGroupCapacity is the capacity of one storage group. SRPName refers
// to a pool by name only.
type StorageGroupCapacity struct {
	StorageGroupID string    `json:"storage_group_id"`
	Timestamp      time.Time `json:"timestamp"`
	CapacityGB     float64   `json:"capacity_gb"`
	NumVolumes     int       `json:"num_volumes"`
	ServiceLevel   string    `json:"service_level,omitempty"`
	SRPName        string    `json:"srp_name,omitempty"`
	Compression    bool      `json:"compression_enabled"`
}

func NewStorageGroupCapacity(id string, ts time.Time, d GroupDetails) StorageGroupCapacity {
	return StorageGroupCapacity{
		StorageGroupID: id,
		Timestamp:      ts,
		CapacityGB:     clampNonNegative(d.CapacityGB),
		NumVolumes:     max(d.NumVolumes, 0),
		ServiceLevel:   d.ServiceLevel,
		SRPName:        d.SRPName,
		Compression:    d.Compression,
	}
}

// VolumeCapacity is the capacity of one volume. A volume may belong to any
// number of storage groups.
type VolumeCapacity struct {
	VolumeID         string    `json:"volume_id"`
	Identifier       string    `json:"volume_identifier"`
	Timestamp        time.Time `json:"timestamp"`
	CapacityGB       float64   `json:"capacity_gb"`
	AllocatedPercent float64   `json:"allocated_percent"`
	StorageGroups    []string  `json:"storage_groups"`
	WWN              string    `json:"wwn,omitempty"`
	EmulationType    string    `json:"emulation_type,omitempty"`
}

func NewVolumeCapacity(id string, ts time.Time, d VolumeDetails) VolumeCapacity {
	groups := make([]string, len(d.StorageGroups))
	copy(groups, d.StorageGroups)
	allocated := d.AllocatedPercent
	if allocated < 0 || allocated > 100 {
		allocated = 0
	}
	return VolumeCapacity{
		VolumeID:         id,
		Identifier:       d.Identifier,
		Timestamp:        ts,
		CapacityGB:       clampNonNegative(d.CapacityGB),
		AllocatedPercent: allocated,
		StorageGroups:    groups,
		WWN:              d.WWN,
		EmulationType:    d.EmulationType,
	}
}

// InStorageGroup reports whether the volume is a member of group.
func (v VolumeCapacity) InStorageGroup(group string) bool {
	for _, g := range v.StorageGroups {
		if g == group {
			return true
		}
	}
	return false
}

// LevelReport describes how one level of a run went. Degraded is set when
// the level's identifier list could not be fetched, which distinguishes an
// empty level caused by an error from one that is empty on the array.
type LevelReport struct {
	Level     Level  `json:"level"`
	Collected int    `json:"collected"`
	Skipped   int    `json:"skipped"`
	Degraded  bool   `json:"degraded"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is one point-in-time capture of all four levels. It is never
// modified after Assemble returns it.
type Snapshot struct {
	ArrayID             string
	CollectionTimestamp time.Time
	System              SystemCapacity
	SRPs                []SrpCapacity
	StorageGroups       []StorageGroupCapacity
	Volumes             []VolumeCapacity
	Levels              []LevelReport
}

func (s *Snapshot) TotalSRPs() int          { return len(s.SRPs) }
func (s *Snapshot) TotalStorageGroups() int { return len(s.StorageGroups) }
func (s *Snapshot) TotalVolumes() int       { return len(s.Volumes) }

// Degraded reports whether any level was degraded during collection.
func (s *Snapshot) Degraded() bool {
	for _, l := range s.Levels {
		if l.Degraded {
			return true
		}
	}
	return false
}

// DegradedLevels returns the levels that were degraded, in collection order.
func (s *Snapshot) DegradedLevels() []Level {
	out := []Level{}
	for _, l := range s.Levels {
		if l.Degraded {
			out = append(out, l.Level)
		}
	}
	return out
}

type snapshotJSON struct {
	ArrayID             string                 `json:"array_id"`
	CollectionTimestamp time.Time              `json:"collection_timestamp"`
	System              SystemCapacity         `json:"system"`
	SRPs                []SrpCapacity          `json:"srps"`
	StorageGroups       []StorageGroupCapacity `json:"storage_groups"`
	Volumes             []VolumeCapacity       `json:"volumes"`
	Levels              []LevelReport          `json:"levels"`
	TotalSRPs           int                    `json:"total_srps"`
	TotalStorageGroups  int                    `json:"total_storage_groups"`
	TotalVolumes        int                    `json:"total_volumes"`
}

// MarshalJSON adds the computed counts to the wire form.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		ArrayID:             s.ArrayID,
		CollectionTimestamp: s.CollectionTimestamp,
		System:              s.System,
		SRPs:                nonNil(s.SRPs),
		StorageGroups:       nonNil(s.StorageGroups),
		Volumes:             nonNil(s.Volumes),
		Levels:              nonNil(s.Levels),
		TotalSRPs:           s.TotalSRPs(),
		TotalStorageGroups:  s.TotalStorageGroups(),
		TotalVolumes:        s.TotalVolumes(),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
