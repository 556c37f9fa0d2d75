package stats

import (
	"testing"
	"time"
)

func TestRecordCompletion_UpdatesLastJobFields(t *testing.T) {
	s := New()
	s.RecordCompletion("gridbridge/gpt2", 12.5)
	snap := s.Snapshot()
	if snap.LastJobModel != "gridbridge/gpt2" {
		t.Errorf("LastJobModel = %q", snap.LastJobModel)
	}
	if snap.LastJobKudos != 12.5 {
		t.Errorf("LastJobKudos = %v", snap.LastJobKudos)
	}
	if snap.LastJobCompleted.IsZero() {
		t.Error("LastJobCompleted should be set")
	}
}

func TestSnapshot_RatePerHour(t *testing.T) {
	s := New()
	s.RecordCompletion("model", 15) // 15 kudos over a 15-minute window -> 60/hour
	snap := s.Snapshot()
	if snap.KudosPerHour < 59 || snap.KudosPerHour > 61 {
		t.Errorf("KudosPerHour = %v, want ~60", snap.KudosPerHour)
	}
	if snap.JobsPerHour < 3 || snap.JobsPerHour > 5 {
		t.Errorf("JobsPerHour = %v, want ~4", snap.JobsPerHour)
	}
}

func TestPrune_DropsSamplesOutsideWindow(t *testing.T) {
	s := New()
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now().Add(-2 * window), kudos: 100, jobs: 1})
	s.mu.Unlock()
	s.RecordCompletion("model", 10)
	snap := s.Snapshot()
	// Only the fresh 10-kudos sample should remain; the stale 100 must be pruned.
	if snap.KudosPerHour > 41 || snap.KudosPerHour < 39 {
		t.Errorf("KudosPerHour = %v, stale sample was not pruned", snap.KudosPerHour)
	}
}

func TestRecordPop_AccumulatesPerNode(t *testing.T) {
	s := New()
	s.RecordPop("node-a", 100*time.Millisecond)
	s.RecordPop("node-a", 200*time.Millisecond)
	s.RecordPop("node-b", 50*time.Millisecond)
	snap := s.Snapshot()
	if snap.NodeLatency["node-a"].Count != 2 {
		t.Errorf("node-a count = %d, want 2", snap.NodeLatency["node-a"].Count)
	}
	if snap.NodeLatency["node-a"].Sum != 300*time.Millisecond {
		t.Errorf("node-a sum = %v, want 300ms", snap.NodeLatency["node-a"].Sum)
	}
	if snap.NodeLatency["node-b"].Count != 1 {
		t.Errorf("node-b count = %d, want 1", snap.NodeLatency["node-b"].Count)
	}
}

func TestRecordCompletion_ResetsWaitingSince(t *testing.T) {
	s := New()
	initial := s.Snapshot().WaitingSince
	time.Sleep(time.Millisecond)
	s.RecordCompletion("model", 1)
	after := s.Snapshot().WaitingSince
	if !after.After(initial) {
		t.Error("WaitingSince should advance after a completion is recorded")
	}
}
