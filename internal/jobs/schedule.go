package jobs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gitshopapp/fulfillment/internal/repair"
)

// Schedule says which repairers run and how often.
//
//	tasks:
//	  - name: order_expiry_sweeper
//	    every: 5m
//	  - name: subtotal_recomputer
//	    start_after: 30s
type Schedule struct {
	Tasks []ScheduleEntry `yaml:"tasks"`
}

type ScheduleEntry struct {
	Name string `yaml:"name"`
	// Every restarts the task this long after it catches up. Zero runs it once.
	Every      time.Duration `yaml:"every"`
	StartAfter time.Duration `yaml:"start_after"`
	Disabled   bool          `yaml:"disabled"`
}

func ParseSchedule(content []byte) (*Schedule, error) {
	var schedule Schedule
	if err := yaml.Unmarshal(content, &schedule); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	seen := map[string]struct{}{}
	for i, e := range schedule.Tasks {
		if e.Name == "" {
			return nil, fmt.Errorf("schedule task %d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("schedule task %s listed twice", e.Name)
		}
		if e.Every < 0 || e.StartAfter < 0 {
			return nil, fmt.Errorf("schedule task %s has a negative duration", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return &schedule, nil
}

func LoadSchedule(path string) (*Schedule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule %s: %w", path, err)
	}
	return ParseSchedule(content)
}

// DefaultSchedule runs every repairer hourly.
func DefaultSchedule(repairers []repair.Repairer) *Schedule {
	schedule := &Schedule{}
	for _, r := range repairers {
		schedule.Tasks = append(schedule.Tasks, ScheduleEntry{Name: r.Name(), Every: time.Hour})
	}
	return schedule
}

// Apply registers the scheduled repairers and queues their first run.
// Repairers missing from the schedule are not registered.
func (s *Scheduler) Apply(schedule *Schedule, repairers []repair.Repairer) error {
	byName := make(map[string]repair.Repairer, len(repairers))
	for _, r := range repairers {
		byName[r.Name()] = r
	}
	for _, e := range schedule.Tasks {
		if e.Disabled {
			continue
		}
		r, ok := byName[e.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, e.Name)
		}
		if err := s.Register(r, e.Every); err != nil {
			return err
		}
		if _, err := s.Enqueue(e.Name, repair.Cursor{}, e.StartAfter); err != nil {
			return err
		}
	}
	return nil
}
