package main

import "time"

// AverageStatistical accumulates durations (and optionally item counts) for
// throughput reporting. It has no effect on training.
type AverageStatistical struct {
	count      int
	totalTime  time.Duration
	totalItems int
}

// Record adds one observation of duration d counting as one item.
func (s *AverageStatistical) Record(d time.Duration) {
	s.RecordItems(d, 1)
}

// RecordItems adds one observation of duration d that processed items
// items (e.g. tokens).
func (s *AverageStatistical) RecordItems(d time.Duration, items int) {
	s.count++
	s.totalTime += d
	s.totalItems += items
}

// Reset clears the accumulator.
func (s *AverageStatistical) Reset() {
	*s = AverageStatistical{}
}

// Average returns total duration / number of observations.
func (s *AverageStatistical) Average() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.totalTime / time.Duration(s.count)
}

// AveragePerSec returns processed items per second.
func (s *AverageStatistical) AveragePerSec() float64 {
	if s.totalTime <= 0 {
		return 0
	}
	return float64(s.totalItems) / s.totalTime.Seconds()
}

// Count returns the number of observations.
func (s *AverageStatistical) Count() int {
	return s.count
}

// TotalItems returns the number of processed items.
func (s *AverageStatistical) TotalItems() int {
	return s.totalItems
}

// TotalTime returns the accumulated duration.
func (s *AverageStatistical) TotalTime() time.Duration {
	return s.totalTime
}
