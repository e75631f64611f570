package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
)

// collectJobLimit bounds the job listing during a capture.
const collectJobLimit = 1000

// capture measures a destination by listing the artifact folder of every job
// that targets it, then persists the measurement as a StorageSnapshot row.
// Sidecar files contribute to the total size but not to the file count, so
// the missing-backup rule tracks artifacts only.
func (m *Monitor) capture(ctx context.Context, dest *db.Destination) (*db.StorageSnapshot, error) {
	adapter, err := m.storage.Get(dest.Kind)
	if err != nil {
		return nil, err
	}
	jobs, _, err := m.jobs.List(ctx, repositories.ListOptions{Limit: collectJobLimit})
	if err != nil {
		return nil, fmt.Errorf("alerts: list jobs: %w", err)
	}

	var totalSize int64
	var fileCount int
	for _, job := range jobs {
		if job.DestinationID != dest.ID {
			continue
		}
		files, err := adapter.List(ctx, json.RawMessage(dest.Config), runner.ArtifactFolder(job.Name))
		if err != nil {
			return nil, fmt.Errorf("alerts: list folder for %q: %w", job.Name, err)
		}
		for _, f := range files {
			totalSize += f.Size
			if !strings.HasSuffix(f.Name, runner.SidecarSuffix) {
				fileCount++
			}
		}
	}

	snapshot := &db.StorageSnapshot{
		DestinationID: dest.ID,
		TotalSize:     totalSize,
		FileCount:     int64(fileCount),
		CapturedAt:    m.now().UTC(),
	}
	if err := m.snapshots.Create(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
