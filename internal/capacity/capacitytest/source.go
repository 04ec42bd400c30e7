// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package capacitytest provides an in-memory capacity.Source for tests.
package capacitytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// Source serves fixed values and injected errors. The zero value is an
// empty array. Gate, when set, blocks FetchSystem until it is closed or the
// context ends.
type Source struct {
	System    capacity.SystemMetrics
	Pools     map[string]capacity.PoolMetrics
	PoolIDs   []string
	Groups    map[string]capacity.GroupDetails
	GroupIDs  []string
	Volumes   map[string]capacity.VolumeDetails
	VolumeIDs []string

	SystemErr     error
	PoolListErr   error
	GroupListErr  error
	VolumeListErr error

	// ItemErrs fails individual pool, group or volume fetches by id.
	ItemErrs map[string]error

	Gate chan struct{}

	mu    sync.Mutex
	calls int
}

var _ capacity.Source = (*Source)(nil)

// SystemCalls returns how many times FetchSystem ran, which equals the
// number of collection runs started against s.
func (s *Source) SystemCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Source) FetchSystem(ctx context.Context, _ string) (capacity.SystemMetrics, error) {
	s.mu.Lock()
	s.calls++
	gate := s.Gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return capacity.SystemMetrics{}, capacity.Connectivity("fetch system", ctx.Err())
		}
	}
	if s.SystemErr != nil {
		return capacity.SystemMetrics{}, s.SystemErr
	}
	return s.System, nil
}

func (s *Source) FetchPoolIDs(context.Context, string) ([]string, error) {
	return s.PoolIDs, s.PoolListErr
}

func (s *Source) FetchPoolMetrics(_ context.Context, _, id string) (capacity.PoolMetrics, error) {
	if err := s.ItemErrs[id]; err != nil {
		return capacity.PoolMetrics{}, err
	}
	m, ok := s.Pools[id]
	if !ok {
		return capacity.PoolMetrics{}, capacity.DataCollection("fetch pool", fmt.Errorf("pool %s not found", id))
	}
	return m, nil
}

func (s *Source) FetchGroupIDs(context.Context, string) ([]string, error) {
	return s.GroupIDs, s.GroupListErr
}

func (s *Source) FetchGroupDetails(_ context.Context, _, id string) (capacity.GroupDetails, error) {
	if err := s.ItemErrs[id]; err != nil {
		return capacity.GroupDetails{}, err
	}
	d, ok := s.Groups[id]
	if !ok {
		return capacity.GroupDetails{}, capacity.DataCollection("fetch storage group", fmt.Errorf("storage group %s not found", id))
	}
	return d, nil
}

func (s *Source) FetchVolumeIDs(context.Context, string) ([]string, error) {
	return s.VolumeIDs, s.VolumeListErr
}

func (s *Source) FetchVolumeDetails(_ context.Context, _, id string) (capacity.VolumeDetails, error) {
	if err := s.ItemErrs[id]; err != nil {
		return capacity.VolumeDetails{}, err
	}
	d, ok := s.Volumes[id]
	if !ok {
		return capacity.VolumeDetails{}, capacity.DataCollection("fetch volume", fmt.Errorf("volume %s not found", id))
	}
	return d, nil
}

// NewSource returns a small healthy array: two pools, three storage groups
// and four volumes.
func NewSource() *Source {
	return &Source{
		System:  capacity.SystemMetrics{EffectiveUsedGB: 750, MaxEffectiveGB: 1000, SubscribedGB: 1400, TotalUsableGB: 1100},
		PoolIDs: []string{"SRP_1", "SRP_2"},
		Pools: map[string]capacity.PoolMetrics{
			"SRP_1": {UsedGB: 500, SubscribedGB: 900, TotalManagedGB: 800},
			"SRP_2": {UsedGB: 250, SubscribedGB: 500, TotalManagedGB: 300},
		},
		GroupIDs: []string{"db_sg", "app_sg", "scratch_sg"},
		Groups: map[string]capacity.GroupDetails{
			"db_sg":      {CapacityGB: 100, NumVolumes: 2, ServiceLevel: "Diamond", SRPName: "SRP_1", Compression: true},
			"app_sg":     {CapacityGB: 50, NumVolumes: 1, ServiceLevel: "Diamond", SRPName: "SRP_1"},
			"scratch_sg": {CapacityGB: 10, NumVolumes: 1, SRPName: "SRP_2"},
		},
		VolumeIDs: []string{"00001", "00002", "00003", "00004"},
		Volumes: map[string]capacity.VolumeDetails{
			"00001": {Identifier: "db_data", CapacityGB: 60, AllocatedPercent: 80, StorageGroups: []string{"db_sg"}},
			"00002": {Identifier: "db_log", CapacityGB: 40, AllocatedPercent: 20, StorageGroups: []string{"db_sg"}},
			"00003": {Identifier: "app", CapacityGB: 50, AllocatedPercent: 50, StorageGroups: []string{"app_sg", "db_sg"}},
			"00004": {Identifier: "tmp", CapacityGB: 10, AllocatedPercent: 5, StorageGroups: []string{"scratch_sg"}},
		},
	}
}
