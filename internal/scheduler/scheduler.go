// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler fires workload triggers from cron schedules. A single
// tick runs once per minute, aligned to wall-clock minute boundaries,
// enumerates missed occurrences since each schedule's last run, and
// applies the schedule's missed-execution policy.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
)

// missedLimit caps missed-occurrence enumeration so a long-idle schedule
// cannot spin the tick.
const missedLimit = 1000

// currentMatchTolerance is how far the tick instant may drift from the
// cron's last occurrence and still count as a current match.
const currentMatchTolerance = time.Second

// TickStats summarizes one scheduler tick.
type TickStats struct {
	Evaluated   int            `json:"evaluated"`
	Triggered   int            `json:"triggered"`
	ScheduleIDs []string       `json:"scheduleIds,omitempty"`
	Missed      map[string]int `json:"missedExecutions,omitempty"`
}

// Upcoming is one row of the upcoming-occurrences query.
type Upcoming struct {
	ScheduleID string     `json:"scheduleId"`
	Name       string     `json:"name"`
	WorkloadID string     `json:"workloadId"`
	Next       time.Time  `json:"next"`
	Previous   *time.Time `json:"previous,omitempty"`
}

// Scheduler drives cron schedules through the bus.
type Scheduler struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates the scheduler.
func New(store *Store, b *bus.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		bus:    b,
		logger: log.WithComponent(logger, "scheduler"),
	}
}

// Run ticks once per minute until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.bus.Cron(ctx, time.Minute, func(now time.Time) {
		stats := s.Tick(ctx, now)
		if stats.Triggered > 0 || len(stats.Missed) > 0 {
			s.logger.Info("tick",
				slog.Int("evaluated", stats.Evaluated),
				slog.Int("triggered", stats.Triggered),
				slog.Any("missed", stats.Missed))
		}
	})
}

// Tick evaluates every enabled cron schedule against now, firing triggers
// per the missed-execution policy and stamping lastRunAt for each fired
// schedule.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickStats {
	stats := TickStats{Missed: map[string]int{}}

	schedules, err := s.store.List()
	if err != nil {
		s.logger.Error("schedules unreadable", slog.Any("error", err))
		return stats
	}

	for _, sched := range schedules {
		if !sched.Enabled || sched.Cron == "" {
			continue
		}
		cron, err := ParseCron(sched.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				slog.String(log.ScheduleKey, sched.ID),
				slog.String("cron", sched.Cron),
				slog.Any("error", err))
			continue
		}
		stats.Evaluated++

		current := s.currentMatch(cron, now)
		missed := s.missedOccurrences(cron, sched, now, current)
		if len(missed) > 0 {
			stats.Missed[sched.ID] = len(missed)
		}

		fires := 0
		switch sched.Policy() {
		case PolicyCatchup:
			fires = len(missed)
			if current {
				fires++
			}
		case PolicyLast:
			if len(missed) > 0 || current {
				fires = 1
			}
		case PolicySkip:
			if current {
				fires = 1
			}
		case PolicyLog:
			if len(missed) > 0 {
				s.logger.Info("missed executions ignored",
					slog.String(log.ScheduleKey, sched.ID),
					slog.Int("count", len(missed)))
			}
			if current {
				fires = 1
			}
		}
		if fires == 0 {
			continue
		}

		for i := 0; i < fires; i++ {
			s.bus.Publish(ctx, bus.Event{
				Name: bus.WorkloadTrigger,
				Payload: bus.WorkloadTriggerPayload{
					ScheduleID:   sched.ID,
					ScheduleName: sched.Name,
					WorkloadID:   sched.WorkloadID,
					Params:       sched.Params,
				},
			})
		}
		stats.Triggered += fires
		stats.ScheduleIDs = append(stats.ScheduleIDs, sched.ID)

		if err := s.store.TouchLastRun(sched.ID, now); err != nil {
			s.logger.Error("lastRunAt not updated",
				slog.String(log.ScheduleKey, sched.ID),
				slog.Any("error", err))
		}
	}
	return stats
}

// currentMatch reports whether now (rounded to the minute) is itself a
// scheduled occurrence, within a 1-second tolerance.
func (s *Scheduler) currentMatch(cron *CronExpr, now time.Time) bool {
	prev := cron.Prev(now)
	if prev.IsZero() {
		return false
	}
	diff := now.Truncate(time.Minute).Sub(prev)
	if diff < 0 {
		diff = -diff
	}
	return diff <= currentMatchTolerance
}

// missedOccurrences enumerates occurrences strictly after lastRunAt and
// strictly before now, excluding the current match, capped at
// missedLimit. A schedule that has never run has nothing to miss.
func (s *Scheduler) missedOccurrences(cron *CronExpr, sched *Schedule, now time.Time, current bool) []time.Time {
	if sched.LastRunAt == nil {
		return nil
	}
	currentOccurrence := time.Time{}
	if current {
		currentOccurrence = cron.Prev(now)
	}

	var missed []time.Time
	t := *sched.LastRunAt
	for len(missed) < missedLimit {
		t = cron.Next(t)
		if t.IsZero() || !t.Before(now) {
			break
		}
		if current && t.Equal(currentOccurrence) {
			continue
		}
		missed = append(missed, t)
	}
	return missed
}

// UpcomingOccurrences computes, for every enabled cron schedule, the next
// occurrence and the most recent previous one. Stateless; the REST facade
// calls it on demand.
func (s *Scheduler) UpcomingOccurrences(now time.Time) ([]Upcoming, error) {
	schedules, err := s.store.List()
	if err != nil {
		return nil, err
	}

	var rows []Upcoming
	for _, sched := range schedules {
		if !sched.Enabled || sched.Cron == "" {
			continue
		}
		cron, err := ParseCron(sched.Cron)
		if err != nil {
			continue
		}
		row := Upcoming{
			ScheduleID: sched.ID,
			Name:       sched.Name,
			WorkloadID: sched.WorkloadID,
			Next:       cron.Next(now),
		}
		if prev := cron.Prev(now); !prev.IsZero() {
			row.Previous = &prev
		}
		rows = append(rows, row)
	}
	return rows, nil
}
