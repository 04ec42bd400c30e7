// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"context"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/storagedef"
)

const (
	unitGB      = "GBy"
	unitPercent = "%"
)

// SnapshotMetrics flattens s into gauges. Volume-level gauges are only
// produced when includeVolumes is set because arrays often carry thousands
// of volumes.
func SnapshotMetrics(s *capacity.Snapshot, includeVolumes bool) []storagedef.Metric {
	ts := s.CollectionTimestamp
	array := map[string]string{"array_id": s.ArrayID}

	gauge := func(name, help, unit string, v float64, labels map[string]string) storagedef.Metric {
		return storagedef.Metric{
			Name:      name,
			Help:      help,
			Unit:      unit,
			Type:      storagedef.MetricTypeGauge,
			Value:     v,
			Labels:    labels,
			Timestamp: ts,
		}
	}

	metrics := []storagedef.Metric{
		gauge("pmax.system.effective_used", "Effective used capacity of the array", unitGB, s.System.EffectiveUsedGB, array),
		gauge("pmax.system.max_effective", "Maximum effective capacity of the array", unitGB, s.System.MaxEffectiveGB, array),
		gauge("pmax.system.subscribed", "Subscribed capacity of the array", unitGB, s.System.SubscribedGB, array),
		gauge("pmax.system.total_usable", "Total usable capacity of the array", unitGB, s.System.TotalUsableGB, array),
		gauge("pmax.system.free", "Free effective capacity of the array", unitGB, s.System.FreeGB, array),
		gauge("pmax.system.utilization", "Effective capacity utilization of the array", unitPercent, s.System.UtilizationPercent, array),
	}

	for _, p := range s.SRPs {
		labels := copyLabels(array)
		labels["srp_id"] = p.SRPID
		metrics = append(metrics,
			gauge("pmax.srp.used", "Used capacity of the storage resource pool", unitGB, p.UsedGB, labels),
			gauge("pmax.srp.total_managed", "Total managed space of the storage resource pool", unitGB, p.TotalManagedGB, labels),
			gauge("pmax.srp.free", "Free capacity of the storage resource pool", unitGB, p.FreeGB, labels),
			gauge("pmax.srp.utilization", "Utilization of the storage resource pool", unitPercent, p.UtilizationPercent, labels),
			gauge("pmax.srp.subscription", "Subscription of the storage resource pool", unitPercent, p.SubscriptionPercent, labels),
		)
	}

	for _, sg := range s.StorageGroups {
		labels := copyLabels(array)
		labels["storage_group"] = sg.StorageGroupID
		labels["service_level"] = serviceLevel(sg.ServiceLevel)
		if sg.SRPName != "" {
			labels["srp_id"] = sg.SRPName
		}
		metrics = append(metrics,
			gauge("pmax.storage_group.capacity", "Capacity of the storage group", unitGB, sg.CapacityGB, labels),
			gauge("pmax.storage_group.volumes", "Number of volumes in the storage group", "{volume}", float64(sg.NumVolumes), labels),
		)
	}

	if includeVolumes {
		for _, v := range s.Volumes {
			labels := copyLabels(array)
			labels["volume_id"] = v.VolumeID
			if v.Identifier != "" {
				labels["volume_identifier"] = v.Identifier
			}
			metrics = append(metrics,
				gauge("pmax.volume.capacity", "Capacity of the volume", unitGB, v.CapacityGB, labels),
				gauge("pmax.volume.allocated", "Allocated share of the volume", unitPercent, v.AllocatedPercent, labels),
			)
		}
	}

	return metrics
}

// MetricsSink adapts a storagedef.MetricExporter to snapshot exports.
type MetricsSink struct {
	Exporter       storagedef.MetricExporter
	IncludeVolumes bool
}

func (s MetricsSink) Name() string { return "otlp" }

func (s MetricsSink) ExportSnapshot(ctx context.Context, snap *capacity.Snapshot) error {
	return s.Exporter.Export(ctx, SnapshotMetrics(snap, s.IncludeVolumes))
}

func serviceLevel(l string) string {
	if l == "" {
		return capacity.NoServiceLevel
	}
	return l
}

// copyLabels creates a copy of a labels map
func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels)+3)
	for k, v := range labels {
		result[k] = v
	}
	return result
}
