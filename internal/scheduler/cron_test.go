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

package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *CronExpr {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func TestParseCronRejectsInvalid(t *testing.T) {
	tests := []string{
		"* * * *",       // too few fields
		"60 * * * *",    // minute out of range
		"* 24 * * *",    // hour out of range
		"* * 0 * *",     // day out of range
		"* * * 13 *",    // month out of range
		"* * * * 7",     // weekday out of range
		"*/0 * * * *",   // zero step
		"10-5 * * * *",  // inverted range
		"abc * * * *",   // not a number
	}
	for _, expr := range tests {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted an invalid expression", expr)
		}
	}
}

func TestParseCronSpecials(t *testing.T) {
	tests := map[string]string{
		"@hourly":  "0 * * * *",
		"@daily":   "0 0 * * *",
		"@weekly":  "0 0 * * 0",
		"@monthly": "0 0 1 * *",
	}
	for special, canonical := range tests {
		from := time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC)
		a := mustParse(t, special).Next(from)
		b := mustParse(t, canonical).Next(from)
		if !a.Equal(b) {
			t.Errorf("%s: Next = %v, want %v", special, a, b)
		}
	}
}

func TestNext(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	from := time.Date(2026, 3, 10, 11, 30, 45, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 10, 11, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 10, 11, 45, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"30 11 * * 2", time.Date(2026, 3, 17, 11, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := mustParse(t, tt.expr).Next(from); !got.Equal(tt.want) {
			t.Errorf("Next(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestPrev(t *testing.T) {
	// 2026-03-14 is a Saturday.
	from := time.Date(2026, 3, 14, 12, 10, 30, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 14, 12, 10, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := mustParse(t, tt.expr).Prev(from); !got.Equal(tt.want) {
			t.Errorf("Prev(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestPrevAtExactOccurrence(t *testing.T) {
	// Prev is at-or-before: an exact occurrence returns itself.
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if got := mustParse(t, "0 * * * *").Prev(at); !got.Equal(at) {
		t.Errorf("Prev at occurrence = %v, want %v", got, at)
	}
}

func TestNextPrevRoundTrip(t *testing.T) {
	c := mustParse(t, "*/5 * * * *")
	from := time.Date(2026, 3, 10, 11, 32, 0, 0, time.UTC)

	next := c.Next(from)
	if got := c.Prev(next); !got.Equal(next) {
		t.Errorf("Prev(Next(t)) = %v, want %v", got, next)
	}
}

func TestMatches(t *testing.T) {
	c := mustParse(t, "30 11 * * 2")
	if !c.Matches(time.Date(2026, 3, 10, 11, 30, 59, 0, time.UTC)) {
		t.Error("exact occurrence did not match")
	}
	if c.Matches(time.Date(2026, 3, 10, 11, 31, 0, 0, time.UTC)) {
		t.Error("wrong minute matched")
	}
	if c.Matches(time.Date(2026, 3, 11, 11, 30, 0, 0, time.UTC)) {
		t.Error("wrong weekday matched")
	}
}
