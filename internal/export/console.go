// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// WriteSummary prints a human-readable capacity report of snap to w.
func WriteSummary(w io.Writer, snap *capacity.Snapshot) error {
	rule := strings.Repeat("=", 80)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "%s\n", rule)
	fmt.Fprintf(tw, "CAPACITY DASHBOARD - Array: %s\n", snap.ArrayID)
	fmt.Fprintf(tw, "Collection Time: %s\n", snap.CollectionTimestamp.Format(time.RFC3339))
	fmt.Fprintf(tw, "%s\n", rule)

	sys := snap.System
	fmt.Fprintf(tw, "\nSYSTEM CAPACITY\n")
	fmt.Fprintf(tw, "  Total Usable:\t%.2f GB\n", sys.TotalUsableGB)
	fmt.Fprintf(tw, "  Used:\t%.2f GB\n", sys.EffectiveUsedGB)
	fmt.Fprintf(tw, "  Free:\t%.2f GB\n", sys.FreeGB)
	fmt.Fprintf(tw, "  Utilization:\t%.2f%%\n", sys.UtilizationPercent)
	fmt.Fprintf(tw, "  Subscribed:\t%.2f GB\n", sys.SubscribedGB)

	fmt.Fprintf(tw, "\nSTORAGE RESOURCE POOLS (%d)\n", snap.TotalSRPs())
	for _, p := range snap.SRPs {
		fmt.Fprintf(tw, "  %s:\n", p.SRPID)
		fmt.Fprintf(tw, "    Total:\t%.2f GB\n", p.TotalManagedGB)
		fmt.Fprintf(tw, "    Used:\t%.2f GB (%.2f%%)\n", p.UsedGB, p.UtilizationPercent)
		fmt.Fprintf(tw, "    Subscription:\t%.2f%%\n", p.SubscriptionPercent)
	}

	fmt.Fprintf(tw, "\nSTORAGE GROUPS (%d)\n", snap.TotalStorageGroups())
	var sgTotal float64
	for _, sg := range snap.StorageGroups {
		sgTotal += sg.CapacityGB
	}
	fmt.Fprintf(tw, "  Total Allocated:\t%.2f GB\n", sgTotal)
	top, err := capacity.TopConsumers(snap, capacity.DefaultTopN)
	if err != nil {
		return err
	}
	if len(top) > 0 {
		fmt.Fprintf(tw, "  Top %d by Size:\n", capacity.DefaultTopN)
		for i, sg := range top {
			fmt.Fprintf(tw, "    %d. %s:\t%.2f GB (%d vols)\n", i+1, sg.StorageGroupID, sg.CapacityGB, sg.NumVolumes)
		}
	}

	fmt.Fprintf(tw, "\nVOLUMES (%d)\n", snap.TotalVolumes())
	var volTotal float64
	for _, v := range snap.Volumes {
		volTotal += v.CapacityGB
	}
	fmt.Fprintf(tw, "  Total Capacity:\t%.2f GB\n", volTotal)
	if n := snap.TotalVolumes(); n > 0 {
		fmt.Fprintf(tw, "  Average Size:\t%.2f GB\n", volTotal/float64(n))
	}

	if levels := snap.DegradedLevels(); len(levels) > 0 {
		fmt.Fprintf(tw, "\nDEGRADED LEVELS: %v\n", levels)
	}
	fmt.Fprintf(tw, "\n%s\n", rule)
	return tw.Flush()
}
