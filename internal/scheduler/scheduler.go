// Package scheduler fires yaml-defined scheduled tasks into the
// message queue. Task files live in the tasks directory, one document
// per file; run state persists in a sidecar state file so schedules
// survive restarts without re-firing, and a missed window collapses to
// a single catch-up fire. A filesystem watcher invalidates the parsed
// task cache when files change between ticks.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/queue"
)

// Sender and channel values stamped on task messages. Task output has
// no chat to land in, so the dispatcher parks it in the outgoing
// partition.
const (
	SenderScheduler  = "scheduler"
	ChannelScheduler = "scheduler"
)

const stateFileName = ".state.json"

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Task is one scheduled message definition.
type Task struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Agent       string `yaml:"agent"`
	Message     string `yaml:"message"`
	SessionMode string `yaml:"session_mode"`
	Disabled    bool   `yaml:"disabled"`
}

type loadedTask struct {
	task  Task
	sched cronlib.Schedule
}

// TickResult summarizes one scheduler pass. It is informational only;
// the daemon's control flow never depends on it.
type TickResult struct {
	Executed int
	Skipped  int
	Errors   int
}

// QueueWriter is the slice of the queue store the scheduler needs.
type QueueWriter interface {
	WriteIncoming(msg queue.IncomingMessage) (string, error)
}

// Scheduler evaluates the tasks directory once per daemon tick.
type Scheduler struct {
	tasksDir  string
	statePath string
	queue     QueueWriter
	events    *bus.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	tasks   []loadedTask
	loaded  bool
	state   map[string]time.Time
	watcher *fsnotify.Watcher
}

// New creates a Scheduler over tasksDir, creating the directory and
// loading persisted run state. A failed watcher setup degrades to
// reloading task files on every tick.
func New(tasksDir string, q QueueWriter, events *bus.Bus, logger *slog.Logger) (*Scheduler, error) {
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	s := &Scheduler{
		tasksDir:  tasksDir,
		statePath: filepath.Join(tasksDir, stateFileName),
		queue:     q,
		events:    events,
		logger:    logger.With("component", "scheduler"),
		state:     make(map[string]time.Time),
	}
	if err := s.loadState(); err != nil {
		s.logger.Warn("task state unreadable, starting fresh", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("task watcher unavailable, reloading every tick", "error", err)
		return s, nil
	}
	if err := watcher.Add(tasksDir); err != nil {
		s.logger.Warn("task watcher unavailable, reloading every tick", "error", err)
		watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Close stops the file watcher.
func (s *Scheduler) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Scheduler) watch() {
	for event := range s.watcher.Events {
		if !isTaskFile(event.Name) {
			continue
		}
		if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
			s.mu.Lock()
			s.loaded = false
			s.mu.Unlock()
		}
	}
}

func isTaskFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Tick evaluates every task against now. A task fires when its cron
// schedule has a match after its last recorded fire and at or before
// now; missed matches collapse into one fire. Tasks seen for the first
// time are anchored at now and fire on their next match.
func (s *Scheduler) Tick(now time.Time) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res TickResult
	if !s.loaded || s.watcher == nil {
		res.Errors += s.reloadLocked()
	}

	changed := false
	for _, lt := range s.tasks {
		if lt.task.Disabled {
			res.Skipped++
			continue
		}
		last, known := s.state[lt.task.Name]
		if !known {
			s.state[lt.task.Name] = now
			changed = true
			res.Skipped++
			continue
		}
		if lt.sched.Next(last).After(now) {
			res.Skipped++
			continue
		}

		msg := queue.IncomingMessage{
			Channel:     ChannelScheduler,
			Sender:      SenderScheduler,
			SenderID:    SenderScheduler,
			Message:     lt.task.Message,
			AgentID:     lt.task.Agent,
			SessionMode: lt.task.SessionMode,
		}
		if _, err := s.queue.WriteIncoming(msg); err != nil {
			s.logger.Error("task enqueue failed", "task", lt.task.Name, "error", err)
			res.Errors++
			continue
		}
		s.state[lt.task.Name] = now
		changed = true
		res.Executed++
		s.logger.Info("task fired", "task", lt.task.Name, "agent", lt.task.Agent)
	}

	if changed {
		if err := s.saveStateLocked(); err != nil {
			s.logger.Warn("task state save failed", "error", err)
			res.Errors++
		}
	}
	if res.Executed > 0 || res.Errors > 0 {
		s.publish(bus.TopicSchedulerRun, bus.SchedulerRunEvent{
			Executed: res.Executed,
			Skipped:  res.Skipped,
			Errors:   res.Errors,
		})
	}
	return res
}

// Tasks returns the currently loaded task definitions.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.watcher == nil {
		s.reloadLocked()
	}
	out := make([]Task, len(s.tasks))
	for i, lt := range s.tasks {
		out[i] = lt.task
	}
	return out
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.events != nil {
		s.events.Publish(topic, payload)
	}
}

// reloadLocked re-parses every task file and prunes state for tasks
// that no longer exist. It returns the number of files that failed to
// load; the rest still run.
func (s *Scheduler) reloadLocked() int {
	dirents, err := os.ReadDir(s.tasksDir)
	if err != nil {
		s.logger.Error("tasks dir unreadable", "error", err)
		return 1
	}

	errs := 0
	tasks := make([]loadedTask, 0, len(dirents))
	seen := make(map[string]bool)
	for _, ent := range dirents {
		if ent.IsDir() || !isTaskFile(ent.Name()) {
			continue
		}
		path := filepath.Join(s.tasksDir, ent.Name())
		lt, err := loadTaskFile(path)
		if err != nil {
			s.logger.Warn("task file skipped", "file", ent.Name(), "error", err)
			errs++
			continue
		}
		if seen[lt.task.Name] {
			s.logger.Warn("duplicate task name skipped", "file", ent.Name(), "task", lt.task.Name)
			errs++
			continue
		}
		seen[lt.task.Name] = true
		tasks = append(tasks, lt)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].task.Name < tasks[j].task.Name })

	for name := range s.state {
		if !seen[name] {
			delete(s.state, name)
		}
	}
	s.tasks = tasks
	s.loaded = true
	return errs
}

func loadTaskFile(path string) (loadedTask, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return loadedTask{}, fmt.Errorf("read task: %w", err)
	}
	var task Task
	if err := yaml.Unmarshal(raw, &task); err != nil {
		return loadedTask{}, fmt.Errorf("parse task: %w", err)
	}
	if task.Name == "" {
		task.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if task.Agent == "" {
		return loadedTask{}, fmt.Errorf("task %s: agent is required", task.Name)
	}
	if task.Message == "" {
		return loadedTask{}, fmt.Errorf("task %s: message is required", task.Name)
	}
	switch task.SessionMode {
	case "", queue.SessionModeDefault, queue.SessionModeCurrent, queue.SessionModeIsolated:
	default:
		return loadedTask{}, fmt.Errorf("task %s: unknown session_mode %q", task.Name, task.SessionMode)
	}
	sched, err := cronParser.Parse(task.Schedule)
	if err != nil {
		return loadedTask{}, fmt.Errorf("task %s: schedule %q: %w", task.Name, task.Schedule, err)
	}
	return loadedTask{task: task, sched: sched}, nil
}

func (s *Scheduler) loadState() error {
	raw, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.state)
}

func (s *Scheduler) saveStateLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
