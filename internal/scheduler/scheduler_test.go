package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/dispatchd/internal/queue"
)

type fakeQueue struct {
	mu   sync.Mutex
	msgs []queue.IncomingMessage
	err  error
}

func (q *fakeQueue) WriteIncoming(msg queue.IncomingMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.msgs = append(q.msgs, msg)
	return fmt.Sprintf("%04d.json", len(q.msgs)), nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// waitFor polls check until it returns true or the deadline elapses,
// avoiding fixed sleeps around the async file watcher.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q := &fakeQueue{}
	s, err := New(dir, q, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, q, dir
}

func writeTask(t *testing.T, dir, file, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}
}

const reportTask = `name: daily-report
schedule: "*/5 * * * *"
agent: main
message: run the report
session_mode: isolated
`

func TestTick_AnchorsThenFires(t *testing.T) {
	s, q, dir := newTestScheduler(t)
	writeTask(t, dir, "report.yaml", reportTask)

	t0 := time.Date(2026, 8, 23, 12, 0, 30, 0, time.UTC)
	res := s.Tick(t0)
	if res.Executed != 0 || res.Skipped != 1 {
		t.Fatalf("anchor tick = %+v, want 0 executed 1 skipped", res)
	}

	// One minute later the next cron match (12:05) is still ahead.
	if res := s.Tick(t0.Add(time.Minute)); res.Executed != 0 {
		t.Fatalf("fired before schedule match: %+v", res)
	}

	res = s.Tick(t0.Add(5 * time.Minute))
	if res.Executed != 1 {
		t.Fatalf("due tick = %+v, want 1 executed", res)
	}
	if q.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", q.count())
	}
	msg := q.msgs[0]
	if msg.AgentID != "main" || msg.Message != "run the report" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Sender != SenderScheduler || msg.Channel != ChannelScheduler {
		t.Errorf("sender/channel = %q/%q", msg.Sender, msg.Channel)
	}
	if msg.SessionMode != queue.SessionModeIsolated {
		t.Errorf("session mode = %q, want isolated", msg.SessionMode)
	}
}

func TestTick_MissedRunsCollapse(t *testing.T) {
	s, q, dir := newTestScheduler(t)
	writeTask(t, dir, "report.yaml", reportTask)

	t0 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	s.Tick(t0)

	// Three hours of downtime cover dozens of matches; exactly one
	// catch-up fire happens.
	res := s.Tick(t0.Add(3 * time.Hour))
	if res.Executed != 1 {
		t.Fatalf("catch-up tick = %+v, want 1 executed", res)
	}
	if q.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", q.count())
	}
}

func TestTick_DisabledTaskSkipped(t *testing.T) {
	s, q, dir := newTestScheduler(t)
	writeTask(t, dir, "report.yaml", reportTask+"disabled: true\n")

	t0 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	s.Tick(t0)
	res := s.Tick(t0.Add(time.Hour))
	if res.Executed != 0 || q.count() != 0 {
		t.Fatalf("disabled task fired: %+v", res)
	}
}

func TestTick_BadFilesCounted(t *testing.T) {
	s, _, dir := newTestScheduler(t)
	writeTask(t, dir, "broken.yaml", "{{ not yaml")
	writeTask(t, dir, "badcron.yaml", "name: x\nschedule: whenever\nagent: main\nmessage: hi\n")
	writeTask(t, dir, "good.yaml", reportTask)

	res := s.Tick(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	if res.Errors != 2 {
		t.Fatalf("errors = %d, want 2", res.Errors)
	}
	if res.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1 (good task anchored)", res.Skipped)
	}
}

func TestTick_StateSurvivesRestart(t *testing.T) {
	s, q, dir := newTestScheduler(t)
	writeTask(t, dir, "report.yaml", reportTask)

	t0 := time.Date(2026, 8, 23, 12, 0, 30, 0, time.UTC)
	s.Tick(t0)
	fireAt := t0.Add(5 * time.Minute)
	if res := s.Tick(fireAt); res.Executed != 1 {
		t.Fatalf("expected fire before restart: %+v", res)
	}
	s.Close()

	restarted, err := New(dir, q, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer restarted.Close()

	// A minute after the fire, the next match is still ahead; the
	// restart must not re-fire.
	if res := restarted.Tick(fireAt.Add(time.Minute)); res.Executed != 0 {
		t.Fatalf("re-fired after restart: %+v", res)
	}
	if q.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", q.count())
	}
}

func TestTick_EnqueueFailureRetries(t *testing.T) {
	s, q, dir := newTestScheduler(t)
	writeTask(t, dir, "report.yaml", reportTask)

	t0 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	s.Tick(t0)

	q.err = fmt.Errorf("disk full")
	res := s.Tick(t0.Add(6 * time.Minute))
	if res.Errors != 1 || res.Executed != 0 {
		t.Fatalf("failed enqueue tick = %+v", res)
	}

	// The fire was not consumed; it succeeds on the next tick.
	q.err = nil
	res = s.Tick(t0.Add(7 * time.Minute))
	if res.Executed != 1 {
		t.Fatalf("retry tick = %+v, want 1 executed", res)
	}
}

func TestWatcher_PicksUpNewTask(t *testing.T) {
	s, _, dir := newTestScheduler(t)

	if res := s.Tick(time.Now()); res.Executed+res.Skipped != 0 {
		t.Fatalf("empty dir tick = %+v", res)
	}

	writeTask(t, dir, "late.yaml", reportTask)
	waitFor(t, 2*time.Second, func() bool {
		return len(s.Tasks()) == 1
	})
}

func TestTasks_ListsLoaded(t *testing.T) {
	s, _, dir := newTestScheduler(t)
	writeTask(t, dir, "a.yaml", "name: alpha\nschedule: \"0 * * * *\"\nagent: main\nmessage: a\n")
	writeTask(t, dir, "b.yaml", "name: beta\nschedule: \"0 * * * *\"\nagent: main\nmessage: b\n")

	tasks := s.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].Name != "alpha" || tasks[1].Name != "beta" {
		t.Fatalf("tasks out of order: %+v", tasks)
	}
}
