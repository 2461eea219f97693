package types

import (
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func weekdayPolicy() BusinessHoursPolicy {
	return BusinessHoursPolicy{
		Start:    "10:00",
		End:      "16:00",
		Timezone: "America/New_York",
		AllowedDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}
}

func TestBusinessHoursValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BusinessHoursPolicy)
		wantErr bool
	}{
		{"valid", func(p *BusinessHoursPolicy) {}, false},
		{"end before start", func(p *BusinessHoursPolicy) { p.End = "09:00" }, true},
		{"end equals start", func(p *BusinessHoursPolicy) { p.End = p.Start }, true},
		{"malformed start", func(p *BusinessHoursPolicy) { p.Start = "25:00" }, true},
		{"malformed end", func(p *BusinessHoursPolicy) { p.End = "16:61" }, true},
		{"missing colon", func(p *BusinessHoursPolicy) { p.Start = "1000" }, true},
		{"bad timezone", func(p *BusinessHoursPolicy) { p.Timezone = "Mars/Olympus" }, true},
		{"empty days ok", func(p *BusinessHoursPolicy) { p.AllowedDays = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := weekdayPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBusinessHoursNext(t *testing.T) {
	p := weekdayPolicy()
	ny := mustZone(t, "America/New_York")

	// 2026-08-24 is a Monday.
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "inside window unchanged",
			at:   time.Date(2026, 8, 24, 15, 59, 30, 0, ny),
			want: time.Date(2026, 8, 24, 15, 59, 30, 0, ny),
		},
		{
			name: "before opening shifts to opening",
			at:   time.Date(2026, 8, 24, 8, 30, 0, 0, ny),
			want: time.Date(2026, 8, 24, 10, 0, 0, 0, ny),
		},
		{
			name: "after close shifts to next day opening",
			at:   time.Date(2026, 8, 24, 17, 0, 0, 0, ny),
			want: time.Date(2026, 8, 25, 10, 0, 0, 0, ny),
		},
		{
			name: "friday evening shifts past weekend",
			at:   time.Date(2026, 8, 28, 18, 0, 0, 0, ny),
			want: time.Date(2026, 8, 31, 10, 0, 0, 0, ny),
		},
		{
			name: "saturday shifts to monday",
			at:   time.Date(2026, 8, 29, 12, 0, 0, 0, ny),
			want: time.Date(2026, 8, 31, 10, 0, 0, 0, ny),
		},
		{
			name: "exactly at close shifts to next day",
			at:   time.Date(2026, 8, 24, 16, 0, 0, 0, ny),
			want: time.Date(2026, 8, 25, 10, 0, 0, 0, ny),
		},
		{
			name: "exactly at open unchanged",
			at:   time.Date(2026, 8, 24, 10, 0, 0, 0, ny),
			want: time.Date(2026, 8, 24, 10, 0, 0, 0, ny),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Next(tt.at)
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.at, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("Next returned %v, want UTC", got.Location())
			}
		})
	}
}

func TestBusinessHoursNextEveryDay(t *testing.T) {
	p := BusinessHoursPolicy{Start: "09:00", End: "17:00", Timezone: "UTC"}
	at := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC) // Sunday evening
	got, err := p.Next(at)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v (empty AllowedDays allows every day)", got, want)
	}
}

func TestRecurrenceNextAfter(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	last := time.Date(2026, 3, 6, 10, 0, 0, 0, ny) // Friday before US DST change

	tests := []struct {
		name string
		rec  Recurrence
		want time.Time
	}{
		{
			name: "daily crosses DST keeping wall clock",
			rec:  Recurrence{Frequency: FreqDaily, Interval: 3},
			want: time.Date(2026, 3, 9, 10, 0, 0, 0, ny),
		},
		{
			name: "weekly",
			rec:  Recurrence{Frequency: FreqWeekly, Interval: 2},
			want: time.Date(2026, 3, 20, 10, 0, 0, 0, ny),
		},
		{
			name: "monthly",
			rec:  Recurrence{Frequency: FreqMonthly, Interval: 1},
			want: time.Date(2026, 4, 6, 10, 0, 0, 0, ny),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rec.NextAfter(last, ny)
			if !got.Equal(tt.want) {
				t.Errorf("NextAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecurrenceExhausted(t *testing.T) {
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	rec := Recurrence{Frequency: FreqDaily, Interval: 1, EndAt: &end, MaxOccurrences: 3}

	if rec.Exhausted(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), 1) {
		t.Error("Exhausted = true before end conditions")
	}
	if !rec.Exhausted(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC), 1) {
		t.Error("Exhausted = false for occurrence past EndAt")
	}
	if !rec.Exhausted(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), 3) {
		t.Error("Exhausted = false after MaxOccurrences reached")
	}
}

func TestRecurrenceValidate(t *testing.T) {
	if err := (Recurrence{Frequency: FreqDaily, Interval: 1}).Validate(); err != nil {
		t.Errorf("valid recurrence rejected: %v", err)
	}
	if err := (Recurrence{Frequency: "hourly", Interval: 1}).Validate(); err == nil {
		t.Error("unknown frequency accepted")
	}
	if err := (Recurrence{Frequency: FreqDaily, Interval: 0}).Validate(); err == nil {
		t.Error("zero interval accepted")
	}
}
