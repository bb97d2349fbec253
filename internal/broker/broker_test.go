package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/models"
)

func TestCreateJob_InitialStageIsInitializing(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	status := b.GetStatus(jobID)
	if status == nil {
		t.Fatal("expected job record")
	}
	if status.Stage != models.StageInitializing {
		t.Errorf("Stage = %v, want Initializing", status.Stage)
	}
}

func TestGetStatus_UnknownJobReturnsNil(t *testing.T) {
	b := New(common.NewSilentLogger())
	if got := b.GetStatus("does-not-exist"); got != nil {
		t.Errorf("GetStatus() = %+v, want nil", got)
	}
}

func TestUpdateStage_ValidTransitionSequence(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	b.UpdateStage(jobID, models.StagePreparingDimensions, "preparing")
	b.UpdateStage(jobID, models.StageProcessingPages, "packing")

	status := b.GetStatus(jobID)
	if status.Stage != models.StageProcessingPages {
		t.Errorf("Stage = %v, want ProcessingPages", status.Stage)
	}
}

func TestUpdateStage_InvalidTransitionIgnored(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	b.UpdateStage(jobID, models.StageCompleted, "") // skipping ahead illegally via UpdateStage
	b.CompleteJob(jobID, models.Result{Success: true})

	b.UpdateStage(jobID, models.StageProcessingPages, "should be ignored")

	status := b.GetStatus(jobID)
	if status.Stage != models.StageCompleted {
		t.Errorf("Stage = %v, want Completed (post-terminal transition must be ignored)", status.Stage)
	}
}

func TestCompleteJob_Idempotent_FirstWriteWins(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	first := models.Result{Success: true, OutputFileName: "first.pdf"}
	second := models.Result{Success: true, OutputFileName: "second.pdf"}

	b.CompleteJob(jobID, first)
	b.CompleteJob(jobID, second)

	status := b.GetStatus(jobID)
	if status.Result == nil || status.Result.OutputFileName != "first.pdf" {
		t.Errorf("Result = %+v, want first.pdf to win", status.Result)
	}
}

func TestFailJob_SetsErrorAndTerminalStage(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	b.FailJob(jobID, "boom")

	status := b.GetStatus(jobID)
	if status.Stage != models.StageFailed {
		t.Errorf("Stage = %v, want Failed", status.Stage)
	}
	if status.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", status.ErrorMessage)
	}
	if status.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}
}

func TestUpdateProgress_MonotonicPercentComplete(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	percents := []float64{10, 25, 50, 75, 90}
	last := -1.0
	for _, p := range percents {
		b.UpdateProgress(jobID, models.ProgressEvent{PercentComplete: p, CurrentPage: int(p)})
		status := b.GetStatus(jobID)
		if status.LastProgress.PercentComplete < last {
			t.Fatalf("percentComplete regressed: %v < %v", status.LastProgress.PercentComplete, last)
		}
		last = status.LastProgress.PercentComplete
	}
}

func TestSubscribe_DeliversNextEvent(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	cancel := make(chan struct{})
	done := make(chan models.ProgressEvent, 1)
	go func() {
		evt, ok := b.Subscribe(jobID, cancel)
		if ok {
			done <- evt
		}
	}()

	time.Sleep(10 * time.Millisecond) // let the subscriber register
	b.UpdateProgress(jobID, models.ProgressEvent{PercentComplete: 42, Operation: "packing"})

	select {
	case evt := <-done:
		if evt.PercentComplete != 42 {
			t.Errorf("PercentComplete = %v, want 42", evt.PercentComplete)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event in time")
	}
}

func TestSubscribe_TerminalJobDeliversImmediately(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()
	b.CompleteJob(jobID, models.Result{Success: true})

	cancel := make(chan struct{})
	evt, ok := b.Subscribe(jobID, cancel)
	if !ok {
		t.Fatal("expected immediate delivery for an already-terminal job")
	}
	if evt.Stage != models.StageCompleted {
		t.Errorf("Stage = %v, want Completed", evt.Stage)
	}
}

func TestSubscribe_CancelReturnsFalse(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	cancel := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		_, ok := b.Subscribe(jobID, cancel)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	close(cancel)

	select {
	case ok := <-done:
		if ok {
			t.Error("expected Subscribe to return ok=false after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not unblock after cancel")
	}
}

func TestSubscribe_MultipleSubscribersAllWoken(t *testing.T) {
	b := New(common.NewSilentLogger())
	jobID := b.CreateJob()

	const n = 5
	var wg sync.WaitGroup
	results := make([]bool, n)
	cancel := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := b.Subscribe(jobID, cancel)
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	b.UpdateProgress(jobID, models.ProgressEvent{PercentComplete: 5})
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("subscriber %d was not woken", i)
		}
	}
}

func TestListJobs_ReturnsAllKnownJobs(t *testing.T) {
	b := New(common.NewSilentLogger())
	id1 := b.CreateJob()
	id2 := b.CreateJob()

	jobs := b.ListJobs()
	seen := map[string]bool{}
	for _, j := range jobs {
		seen[j.JobID] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("expected both jobs in listing, got %v", jobs)
	}
}
