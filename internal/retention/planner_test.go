package retention

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 24, 12, 0, 0, 0, time.UTC)

func artifactAt(name string, t time.Time) Artifact {
	return Artifact{Path: "backups/job/" + name, LastModified: t}
}

func names(artifacts []Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.Path[len("backups/job/"):])
	}
	sort.Strings(out)
	return out
}

func TestComputeSmartOverlappingBuckets(t *testing.T) {
	days := func(n int) time.Time { return testNow.AddDate(0, 0, -n) }
	weeks := func(n int) time.Time { return testNow.AddDate(0, 0, -7*n) }
	months := func(n int) time.Time { return testNow.AddDate(0, -n, 0) }
	years := func(n int) time.Time { return testNow.AddDate(-n, 0, 0) }

	artifacts := []Artifact{
		artifactAt("0d", days(0)),
		artifactAt("1d", days(1)),
		artifactAt("2d", days(2)),
		artifactAt("3d", days(3)),
		artifactAt("4d", days(4)),
		artifactAt("5d", days(5)),
		artifactAt("6d", days(6)),
		artifactAt("1w", weeks(1)),
		artifactAt("2w", weeks(2)),
		artifactAt("3w", weeks(3)),
		artifactAt("4w", weeks(4)),
		artifactAt("1mo", months(1)),
		artifactAt("2mo", months(2)),
		artifactAt("3mo", months(3)),
		artifactAt("6mo", months(6)),
		artifactAt("12mo", months(12)),
		artifactAt("1y", years(1)),
		artifactAt("2y", years(2)),
		artifactAt("8d", days(8)),
		artifactAt("14mo", months(14)),
		artifactAt("3y", years(3)),
	}

	policy := Policy{Mode: ModeSmart, Daily: 7, Weekly: 4, Monthly: 6, Yearly: 3}
	plan := Compute(artifacts, policy, testNow)

	// 0d-6d fill the seven daily slots and mark ISO weeks W04 and W03. 1w
	// and 8d fall in W03 behind 6d, so they find every bucket slot taken.
	// 2w and 3w take W02 and W01, exhausting weekly capacity; 4w falls
	// through to the December monthly slot. 12mo takes the sixth and last
	// monthly slot, leaving 1y (same calendar day) with nothing. 14mo is
	// the newest 2024 artifact and claims the third yearly slot ahead of 2y.
	assert.Equal(t, []string{
		"0d", "12mo", "14mo", "1d", "2d", "2mo", "2w", "3d", "3mo", "3w",
		"4d", "4w", "5d", "6d", "6mo",
	}, names(plan.Keep))
	assert.Equal(t, []string{"1mo", "1w", "1y", "2y", "3y", "8d"}, names(plan.Delete))
}

func TestComputeSmartIdempotent(t *testing.T) {
	days := func(n int) time.Time { return testNow.AddDate(0, 0, -n) }
	artifacts := []Artifact{
		artifactAt("0d", days(0)),
		artifactAt("1d", days(1)),
		artifactAt("2d", days(2)),
		artifactAt("9d", days(9)),
		artifactAt("40d", days(40)),
	}
	policy := Policy{Mode: ModeSmart, Daily: 3, Weekly: 2, Monthly: 2, Yearly: 1}

	first := Compute(artifacts, policy, testNow)
	second := Compute(first.Keep, policy, testNow)

	assert.Empty(t, second.Delete)
	assert.ElementsMatch(t, names(first.Keep), names(second.Keep))
}

func TestComputeSmartSingleArtifact(t *testing.T) {
	artifacts := []Artifact{artifactAt("only", testNow)}
	policy := Policy{Mode: ModeSmart, Daily: 1, Weekly: 1, Monthly: 1, Yearly: 1}

	plan := Compute(artifacts, policy, testNow)
	require.Len(t, plan.Keep, 1)
	assert.Empty(t, plan.Delete)
}

func TestComputeSimpleWithLock(t *testing.T) {
	days := func(n int) time.Time { return testNow.AddDate(0, 0, -n) }
	locked := artifactAt("10d", days(10))
	locked.Locked = true

	artifacts := []Artifact{
		artifactAt("0d", days(0)),
		artifactAt("1d", days(1)),
		artifactAt("2d", days(2)),
		artifactAt("3d", days(3)),
		locked,
	}

	plan := Compute(artifacts, Policy{Mode: ModeSimple, KeepCount: 2}, testNow)

	assert.Equal(t, []string{"0d", "10d", "1d"}, names(plan.Keep))
	assert.Equal(t, []string{"2d", "3d"}, names(plan.Delete))
}

func TestComputeNoneKeepsEverything(t *testing.T) {
	days := func(n int) time.Time { return testNow.AddDate(0, 0, -n) }
	artifacts := []Artifact{
		artifactAt("0d", days(0)),
		artifactAt("100d", days(100)),
	}

	plan := Compute(artifacts, Policy{Mode: ModeNone}, testNow)
	assert.Len(t, plan.Keep, 2)
	assert.Empty(t, plan.Delete)
}

func TestComputePartitionInvariant(t *testing.T) {
	days := func(n int) time.Time { return testNow.AddDate(0, 0, -n) }
	var artifacts []Artifact
	for i := 0; i < 30; i++ {
		artifacts = append(artifacts, artifactAt(string(rune('a'+i)), days(i)))
	}

	policy := Policy{Mode: ModeSmart, Daily: 5, Weekly: 2, Monthly: 1, Yearly: 1}
	plan := Compute(artifacts, policy, testNow)

	assert.Equal(t, len(artifacts), len(plan.Keep)+len(plan.Delete))
	seen := map[string]bool{}
	for _, a := range append(append([]Artifact{}, plan.Keep...), plan.Delete...) {
		assert.False(t, seen[a.Path], "artifact %s appears twice", a.Path)
		seen[a.Path] = true
	}
}
