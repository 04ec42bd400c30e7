// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platformbuilds/pmaxcap/internal/capacity"

// DefaultProgressEvery is how often, in volumes, volume collection reports
// progress.
const DefaultProgressEvery = 100

// Source fetches raw capacity values from an array management endpoint.
// Errors should be classified with Connectivity, Authentication or
// DataCollection.
type Source interface {
	FetchSystem(ctx context.Context, arrayID string) (SystemMetrics, error)
	FetchPoolIDs(ctx context.Context, arrayID string) ([]string, error)
	FetchPoolMetrics(ctx context.Context, arrayID, poolID string) (PoolMetrics, error)
	FetchGroupIDs(ctx context.Context, arrayID string) ([]string, error)
	FetchGroupDetails(ctx context.Context, arrayID, groupID string) (GroupDetails, error)
	FetchVolumeIDs(ctx context.Context, arrayID string) ([]string, error)
	FetchVolumeDetails(ctx context.Context, arrayID, volumeID string) (VolumeDetails, error)
}

// Progress is reported when a level starts and periodically while volumes
// are collected.
type Progress struct {
	Level     Level
	Processed int
	Total     int
}

// CollectorOptions tune a Collector.
type CollectorOptions struct {
	// ProgressEvery defaults to DefaultProgressEvery.
	ProgressEvery int
	// OnProgress is called synchronously from the collecting goroutine.
	OnProgress func(Progress)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Collector runs the four level collectors against a Source.
type Collector struct {
	src    Source
	log    *slog.Logger
	opts   CollectorOptions
	tracer trace.Tracer
}

// NewCollector creates a Collector reading from src.
func NewCollector(src Source, log *slog.Logger, opts CollectorOptions) *Collector {
	if log == nil {
		log = slog.Default()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		src:    src,
		log:    log.With("component", "capacity-collector"),
		opts:   opts,
		tracer: otel.Tracer(tracerName),
	}
}

// Assemble collects system, pools, storage groups and volumes, in that
// order, into a Snapshot stamped with a single collection timestamp.
//
// A system failure fails the run. A failure to list pools, groups or
// volumes degrades that level to empty and collection continues, unless
// the failure is a connectivity or authentication error, which always
// fails the run.
func (c *Collector) Assemble(ctx context.Context, arrayID string) (*Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "capacity.Assemble", trace.WithAttributes(attribute.String("array_id", arrayID)))
	defer span.End()

	start := time.Now()
	ts := c.opts.Now().UTC()
	c.log.Info("starting capacity collection", "array_id", arrayID)

	sys, err := c.CollectSystem(ctx, arrayID, ts)
	if err != nil {
		if !IsFatal(err) {
			err = DataCollection("collect system", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	snap := &Snapshot{
		ArrayID:             arrayID,
		CollectionTimestamp: ts,
		System:              sys,
		Levels:              []LevelReport{{Level: LevelSystem, Collected: 1}},
	}

	pools, report, err := c.CollectPools(ctx, arrayID, ts)
	if err = c.degrade(ctx, &report, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	snap.SRPs = pools
	snap.Levels = append(snap.Levels, report)

	groups, report, err := c.CollectStorageGroups(ctx, arrayID, ts)
	if err = c.degrade(ctx, &report, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	snap.StorageGroups = groups
	snap.Levels = append(snap.Levels, report)

	volumes, report, err := c.CollectVolumes(ctx, arrayID, ts)
	if err = c.degrade(ctx, &report, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	snap.Volumes = volumes
	snap.Levels = append(snap.Levels, report)

	span.SetAttributes(
		attribute.Int("srps", snap.TotalSRPs()),
		attribute.Int("storage_groups", snap.TotalStorageGroups()),
		attribute.Int("volumes", snap.TotalVolumes()),
		attribute.Bool("degraded", snap.Degraded()),
	)
	c.log.Info("capacity collection finished",
		"array_id", arrayID,
		"srps", snap.TotalSRPs(),
		"storage_groups", snap.TotalStorageGroups(),
		"volumes", snap.TotalVolumes(),
		"degraded", snap.Degraded(),
		"duration", time.Since(start))
	return snap, nil
}

// degrade turns a non-fatal level error into a degraded report and returns
// nil, or returns the error when it must fail the run.
func (c *Collector) degrade(ctx context.Context, report *LevelReport, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) || ctx.Err() != nil {
		return err
	}
	report.Degraded = true
	report.Error = err.Error()
	c.log.Warn("level degraded, continuing with empty result", "level", report.Level, "error", err)
	return nil
}

// CollectSystem fetches the array-wide values. Any error is fatal.
func (c *Collector) CollectSystem(ctx context.Context, arrayID string, ts time.Time) (SystemCapacity, error) {
	ctx, span := c.tracer.Start(ctx, "capacity.CollectSystem")
	defer span.End()

	c.progress(Progress{Level: LevelSystem, Total: 1})
	m, err := c.src.FetchSystem(ctx, arrayID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SystemCapacity{}, fmt.Errorf("fetch system capacity: %w", err)
	}
	sys := NewSystemCapacity(arrayID, ts, m)
	c.log.Debug("collected system capacity",
		"array_id", arrayID,
		"utilization_percent", sys.UtilizationPercent)
	return sys, nil
}

// CollectPools fetches every storage resource pool. Pools whose metrics
// cannot be fetched are skipped.
func (c *Collector) CollectPools(ctx context.Context, arrayID string, ts time.Time) ([]SrpCapacity, LevelReport, error) {
	return collectLevel(ctx, c, LevelSRP, arrayID,
		c.src.FetchPoolIDs,
		func(ctx context.Context, id string) (SrpCapacity, error) {
			m, err := c.src.FetchPoolMetrics(ctx, arrayID, id)
			if err != nil {
				return SrpCapacity{}, err
			}
			return NewSrpCapacity(id, ts, m), nil
		})
}

// CollectStorageGroups fetches every storage group. Groups whose details
// cannot be fetched are skipped.
func (c *Collector) CollectStorageGroups(ctx context.Context, arrayID string, ts time.Time) ([]StorageGroupCapacity, LevelReport, error) {
	return collectLevel(ctx, c, LevelStorageGroups, arrayID,
		c.src.FetchGroupIDs,
		func(ctx context.Context, id string) (StorageGroupCapacity, error) {
			d, err := c.src.FetchGroupDetails(ctx, arrayID, id)
			if err != nil {
				return StorageGroupCapacity{}, err
			}
			return NewStorageGroupCapacity(id, ts, d), nil
		})
}

// CollectVolumes fetches every volume. Arrays commonly carry thousands of
// volumes; isolated per-volume failures are skipped.
func (c *Collector) CollectVolumes(ctx context.Context, arrayID string, ts time.Time) ([]VolumeCapacity, LevelReport, error) {
	return collectLevel(ctx, c, LevelVolumes, arrayID,
		c.src.FetchVolumeIDs,
		func(ctx context.Context, id string) (VolumeCapacity, error) {
			d, err := c.src.FetchVolumeDetails(ctx, arrayID, id)
			if err != nil {
				return VolumeCapacity{}, err
			}
			return NewVolumeCapacity(id, ts, d), nil
		})
}

func collectLevel[T any](
	ctx context.Context,
	c *Collector,
	level Level,
	arrayID string,
	list func(context.Context, string) ([]string, error),
	fetch func(context.Context, string) (T, error),
) ([]T, LevelReport, error) {
	ctx, span := c.tracer.Start(ctx, "capacity.Collect", trace.WithAttributes(attribute.String("level", string(level))))
	defer span.End()

	report := LevelReport{Level: level}
	c.progress(Progress{Level: level})

	ids, err := list(ctx, arrayID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return []T{}, report, fmt.Errorf("list %s: %w", level, err)
	}
	c.log.Info("collecting level", "level", level, "count", len(ids))
	c.progress(Progress{Level: level, Total: len(ids)})

	items := make([]T, 0, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return items, report, fmt.Errorf("collect %s: %w", level, err)
		}
		if id == "" {
			c.log.Warn("skipping item with empty identifier", "level", level, "index", i)
			report.Skipped++
			continue
		}
		item, err := fetch(ctx, id)
		switch {
		case err == nil:
			items = append(items, item)
		case IsFatal(err):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return items, report, fmt.Errorf("collect %s %s: %w", level, id, err)
		default:
			c.log.Warn("skipping item", "level", level, "id", id, "error", err)
			report.Skipped++
		}

		if level == LevelVolumes && (i+1)%c.opts.ProgressEvery == 0 {
			c.log.Info("volume collection progress", "processed", i+1, "total", len(ids))
			c.progress(Progress{Level: level, Processed: i + 1, Total: len(ids)})
		}
	}

	report.Collected = len(items)
	span.SetAttributes(attribute.Int("collected", report.Collected), attribute.Int("skipped", report.Skipped))
	return items, report, nil
}

func (c *Collector) progress(p Progress) {
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(p)
	}
}
