package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

type countingSink struct {
	calls int
}

func (s *countingSink) ExecutionFinished(context.Context, *db.Job, *db.Execution) {
	s.calls++
}

func TestSinkObservesAndForwards(t *testing.T) {
	next := &countingSink{}
	sink := &Sink{Next: next}

	before := testutil.ToFloat64(ExecutionsTotal.WithLabelValues(db.ExecutionBackup, db.StatusSuccess))
	bytesBefore := testutil.ToFloat64(BackupBytesTotal)

	started := time.Now().Add(-90 * time.Second)
	ended := time.Now()
	sink.ExecutionFinished(context.Background(), &db.Job{Name: "Nightly"}, &db.Execution{
		Kind:      db.ExecutionBackup,
		Status:    db.StatusSuccess,
		StartedAt: &started,
		EndedAt:   &ended,
		SizeBytes: 2048,
	})

	assert.Equal(t, before+1, testutil.ToFloat64(ExecutionsTotal.WithLabelValues(db.ExecutionBackup, db.StatusSuccess)))
	assert.Equal(t, bytesBefore+2048, testutil.ToFloat64(BackupBytesTotal))
	assert.Equal(t, 1, next.calls)
}

func TestSinkSkipsBytesOnFailure(t *testing.T) {
	sink := &Sink{}
	bytesBefore := testutil.ToFloat64(BackupBytesTotal)

	sink.ExecutionFinished(context.Background(), nil, &db.Execution{
		Kind:      db.ExecutionBackup,
		Status:    db.StatusFailed,
		SizeBytes: 4096,
	})

	assert.Equal(t, bytesBefore, testutil.ToFloat64(BackupBytesTotal))
}
