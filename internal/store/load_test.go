package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/task"
)

// latencyStats summarizes query durations.
type latencyStats struct {
	Min, Max, Mean, P50, P95, P99 time.Duration
	Count                         int
}

func computeLatencyStats(durations []time.Duration) latencyStats {
	if len(durations) == 0 {
		return latencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return latencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// populate inserts n open tasks, every third one tagged "work".
func populate(t *testing.T, st *Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := range ids {
		tk := newTask(fmt.Sprintf("load-%04d", i))
		tk.Priority = task.PriorityPtr(i%9 + 1)
		if i%3 == 0 {
			tk.Tags = []string{"work"}
		}
		if err := st.UpsertTask(ctx, tk); err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
		ids[i] = tk.ID
	}
	return ids
}

// TestConcurrentReadersDuringSync simulates the daemon writing sync results
// and queue entries while CLI invocations and the dashboard read. Readers must
// never fail with a lock error or observe a half-written row.
func TestConcurrentReadersDuringSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	st := setupTestStore(t)
	ids := populate(t, st, 300)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers+1)
	results := make(chan []time.Duration, readers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			tk := newTask(ids[i%len(ids)])
			tk.SetCompleted(i%2 == 0, time.Now())
			if err := st.UpsertTask(ctx, tk); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("writer upsert %d failed: %w", i, err)
				return
			}
			op, err := task.NewPendingOperation(tk, task.OpUpdate, time.Now())
			if err != nil {
				errs <- err
				return
			}
			if err := st.ReplacePendingOperation(ctx, op); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("writer enqueue %d failed: %w", i, err)
				return
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			var durations []time.Duration
			for ctx.Err() == nil {
				start := time.Now()
				tasks, err := st.ListTasks(ctx, TaskFilter{AccountID: "acct", HideCompleted: true})
				if err != nil {
					if ctx.Err() == nil {
						errs <- fmt.Errorf("reader %d failed: %w", r, err)
					}
					break
				}
				durations = append(durations, time.Since(start))
				for _, tk := range tasks {
					if tk.ID == "" || tk.Completed {
						errs <- fmt.Errorf("reader %d saw inconsistent task %+v", r, tk)
						results <- durations
						return
					}
				}
				if _, err := st.CountPendingOperations(ctx, "acct"); err != nil && ctx.Err() == nil {
					errs <- fmt.Errorf("reader %d count failed: %w", r, err)
					break
				}
			}
			results <- durations
		}(r)
	}

	wg.Wait()
	close(errs)
	close(results)

	for err := range errs {
		t.Error(err)
	}
	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	if len(all) == 0 {
		t.Fatal("no reads completed")
	}
	s := computeLatencyStats(all)
	t.Logf("ListTasks over %d reads: min %v p50 %v p95 %v p99 %v max %v", s.Count, s.Min, s.P50, s.P95, s.P99, s.Max)
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("p50/p99 = %v/%v", s.P50, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("mean = %v", s.Mean)
	}
	if (computeLatencyStats(nil) != latencyStats{}) {
		t.Error("empty input should give zero stats")
	}
}
