package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Progress is a point-in-time snapshot of a running batch, suitable for
// logging or pushing to an observer.
type Progress struct {
	CampaignID     uuid.UUID     `json:"campaign_id"`
	BatchSize      int           `json:"batch_size"`
	Started        int           `json:"started"`
	Failed         int           `json:"failed"`
	InFlight       int           `json:"in_flight"`
	Remaining      int           `json:"remaining"`
	CallsPerMinute float64       `json:"calls_per_minute"`
	ETA            time.Duration `json:"eta"`
	Elapsed        time.Duration `json:"elapsed"`
}

// progressTracker accumulates batch counters and derives rate and estimated
// time to finish from a moving average of placement latency.
type progressTracker struct {
	mu          sync.Mutex
	campaignID  uuid.UUID
	batchSize   int
	concurrency int
	startedAt   time.Time
	admitted    int
	started     int
	failed      int
	avgLatency  time.Duration
	samples     int
	now         func() time.Time
}

func newProgressTracker(campaignID uuid.UUID, batchSize, concurrency int, now func() time.Time) *progressTracker {
	return &progressTracker{
		campaignID:  campaignID,
		batchSize:   batchSize,
		concurrency: concurrency,
		startedAt:   now(),
		now:         now,
	}
}

// admit marks a placement as started so snapshots can report it in flight
// until record lands its outcome.
func (t *progressTracker) admit() {
	t.mu.Lock()
	t.admitted++
	t.mu.Unlock()
}

func (t *progressTracker) record(latency time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if failed {
		t.failed++
	} else {
		t.started++
	}
	t.samples++
	if t.samples == 1 {
		t.avgLatency = latency
	} else {
		// Exponential moving average weighted toward recent placements.
		t.avgLatency = (t.avgLatency*4 + latency) / 5
	}
}

func (t *progressTracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.startedAt)
	done := t.started + t.failed
	remaining := t.batchSize - done

	p := Progress{
		CampaignID: t.campaignID,
		BatchSize:  t.batchSize,
		Started:    t.started,
		Failed:     t.failed,
		InFlight:   t.admitted - done,
		Remaining:  remaining,
		Elapsed:    elapsed,
	}
	if elapsed > 0 && done > 0 {
		p.CallsPerMinute = float64(done) / elapsed.Minutes()
	}
	if remaining > 0 && t.avgLatency > 0 && t.concurrency > 0 {
		p.ETA = t.avgLatency * time.Duration(remaining) / time.Duration(t.concurrency)
	}
	return p
}
