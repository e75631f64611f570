// Package retention classifies existing backup artifacts into keep and
// delete sets according to a job's retention policy. The planner is a pure
// function over artifact metadata; it never touches storage itself. Callers
// list the remote folder, feed the result here, and act on the plan.
package retention

import (
	"fmt"
	"slices"
	"time"
)

// Mode values match the job's RetentionMode column.
const (
	ModeNone   = "NONE"
	ModeSimple = "SIMPLE"
	ModeSmart  = "SMART"
)

// Artifact is the planner's view of a stored backup. Locked artifacts are
// pinned by the operator: they always land in Keep and never consume slot
// capacity.
type Artifact struct {
	Path         string
	LastModified time.Time
	Locked       bool
}

// Policy is the retention policy of a job. KeepCount applies to SIMPLE;
// the four bucket counters apply to SMART.
type Policy struct {
	Mode      string
	KeepCount int
	Daily     int
	Weekly    int
	Monthly   int
	Yearly    int
}

// Plan partitions the input artifacts. Every input artifact appears in
// exactly one of the two slices.
type Plan struct {
	Keep   []Artifact
	Delete []Artifact
}

// Compute classifies artifacts under policy. The input order does not
// matter; ties on LastModified are broken by input order. Slot keys are
// derived in UTC with ISO week numbering, so the same artifact set always
// yields the same plan regardless of server locale.
func Compute(artifacts []Artifact, policy Policy, now time.Time) Plan {
	var plan Plan
	var unlocked []Artifact

	for _, a := range artifacts {
		if a.Locked {
			plan.Keep = append(plan.Keep, a)
			continue
		}
		unlocked = append(unlocked, a)
	}

	// newest first
	slices.SortStableFunc(unlocked, func(a, b Artifact) int {
		return b.LastModified.Compare(a.LastModified)
	})

	switch policy.Mode {
	case ModeSimple:
		for i, a := range unlocked {
			if i < policy.KeepCount {
				plan.Keep = append(plan.Keep, a)
			} else {
				plan.Delete = append(plan.Delete, a)
			}
		}
	case ModeSmart:
		planSmart(&plan, unlocked, policy)
	default:
		// NONE and anything unrecognized keeps everything.
		plan.Keep = append(plan.Keep, unlocked...)
	}

	return plan
}

// bucket tracks the occupied time slots of one GFS granularity. Slots can be
// occupied by artifacts placed here or marked by artifacts placed in a finer
// bucket; both count against capacity, which keeps daily coverage aligned
// with weekly and monthly edges.
type bucket struct {
	capacity int
	key      func(time.Time) string
	occupied map[string]bool
}

func (b *bucket) tryPlace(t time.Time) bool {
	k := b.key(t)
	if b.occupied[k] || len(b.occupied) >= b.capacity {
		return false
	}
	b.occupied[k] = true
	return true
}

func (b *bucket) mark(t time.Time) {
	b.occupied[b.key(t)] = true
}

func planSmart(plan *Plan, unlocked []Artifact, policy Policy) {
	buckets := []*bucket{
		{capacity: policy.Daily, occupied: map[string]bool{}, key: func(t time.Time) string {
			return t.UTC().Format("2006-01-02")
		}},
		{capacity: policy.Weekly, occupied: map[string]bool{}, key: func(t time.Time) string {
			y, w := t.UTC().ISOWeek()
			return fmt.Sprintf("%04d-W%02d", y, w)
		}},
		{capacity: policy.Monthly, occupied: map[string]bool{}, key: func(t time.Time) string {
			return t.UTC().Format("2006-01")
		}},
		{capacity: policy.Yearly, occupied: map[string]bool{}, key: func(t time.Time) string {
			return t.UTC().Format("2006")
		}},
	}

	// Walk newest first. Each artifact goes to the first bucket with a free
	// slot and spare capacity. A kept artifact marks its slot in every
	// bucket, so an older artifact from the same day, week, month, or year
	// can never claim a slot its newer sibling already represents.
	for _, a := range unlocked {
		placed := false
		for _, b := range buckets {
			if b.tryPlace(a.LastModified) {
				placed = true
				break
			}
		}
		if !placed {
			plan.Delete = append(plan.Delete, a)
			continue
		}
		for _, b := range buckets {
			b.mark(a.LastModified)
		}
		plan.Keep = append(plan.Keep, a)
	}
}
