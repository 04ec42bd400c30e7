// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package unisphere

import (
	"errors"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// symmetrixList is the response of GET /system/symmetrix
type symmetrixList struct {
	SymmetrixID []string `json:"symmetrixId"`
}

// performanceResult is the response of a performance metrics query. Every
// sample holds the requested metrics plus a millisecond timestamp.
type performanceResult struct {
	ResultList struct {
		Result []map[string]float64 `json:"result"`
	} `json:"resultList"`
}

// latest returns the most recent sample.
func (r performanceResult) latest(op string) (map[string]float64, error) {
	samples := r.ResultList.Result
	if len(samples) == 0 {
		return nil, capacity.DataCollection(op, errors.New("no performance samples returned"))
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s["timestamp"] >= best["timestamp"] {
			best = s
		}
	}
	return best, nil
}

// poolKeys is the response of the StorageResourcePool keys query
type poolKeys struct {
	StorageResourcePoolInfo []struct {
		StorageResourcePoolID string `json:"storageResourcePoolId"`
	} `json:"storageResourcePoolInfo"`
}

// storageGroupList is the response of GET .../storagegroup
type storageGroupList struct {
	StorageGroupID []string `json:"storageGroupId"`
}

// storageGroup is the response of GET .../storagegroup/{id}
type storageGroup struct {
	StorageGroupID string  `json:"storageGroupId"`
	CapGB          float64 `json:"cap_gb"`
	NumOfVols      int     `json:"num_of_vols"`
	SLO            string  `json:"slo"`
	SRP            string  `json:"srp"`
	Compression    bool    `json:"compression"`
}

// volumeList is the first page of GET .../volume. When Count exceeds the
// page, the rest is read through the iterator ID.
type volumeList struct {
	ID          string           `json:"id"`
	Count       int              `json:"count"`
	MaxPageSize int              `json:"maxPageSize"`
	ResultList  volumeResultList `json:"resultList"`
}

type volumeResultList struct {
	Result []struct {
		VolumeID string `json:"volumeId"`
	} `json:"result"`
	From int `json:"from"`
	To   int `json:"to"`
}

func (l volumeResultList) appendIDs(ids []string) []string {
	for _, r := range l.Result {
		ids = append(ids, r.VolumeID)
	}
	return ids
}

// volume is the response of GET .../volume/{id}
type volume struct {
	VolumeID         string   `json:"volumeId"`
	VolumeIdentifier string   `json:"volume_identifier"`
	CapGB            float64  `json:"cap_gb"`
	AllocatedPercent float64  `json:"allocated_percent"`
	StorageGroupID   []string `json:"storageGroupId"`
	WWN              string   `json:"wwn"`
	Type             string   `json:"type"`
}
