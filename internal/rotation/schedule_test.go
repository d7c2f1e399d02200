package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByDueTime(t *testing.T) {
	s := newSchedule()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.upsert("app", "LATE", t0.Add(3*time.Hour))
	s.upsert("app", "EARLY", t0.Add(time.Hour))
	s.upsert("app", "MID", t0.Add(2*time.Hour))

	j, ok := s.peek()
	require.True(t, ok)
	assert.Equal(t, "EARLY", j.key)
	assert.Equal(t, 3, s.Len())
}

func TestScheduleUpsertReschedulesInPlace(t *testing.T) {
	s := newSchedule()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.upsert("app", "A", t0.Add(time.Hour))
	s.upsert("app", "B", t0.Add(2*time.Hour))
	s.upsert("app", "A", t0.Add(3*time.Hour))

	assert.Equal(t, 2, s.Len())
	j, ok := s.peek()
	require.True(t, ok)
	assert.Equal(t, "B", j.key)
}

func TestSchedulePopDue(t *testing.T) {
	s := newSchedule()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.upsert("app", "A", t0.Add(-time.Minute))
	s.upsert("app", "B", t0.Add(time.Minute))

	j, due := s.popDue(t0)
	require.True(t, due)
	assert.Equal(t, "A", j.key)

	_, due = s.popDue(t0)
	assert.False(t, due)
	assert.Equal(t, 1, s.Len())

	// A job due exactly now is dispatched.
	j, due = s.popDue(t0.Add(time.Minute))
	require.True(t, due)
	assert.Equal(t, "B", j.key)

	_, due = s.popDue(t0.Add(time.Hour))
	assert.False(t, due)
}

func TestScheduleReinsertKeepsAttempt(t *testing.T) {
	s := newSchedule()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.upsert("app", "A", t0.Add(-time.Minute))
	j, due := s.popDue(t0)
	require.True(t, due)

	j.attempt = 3
	j.due = t0.Add(time.Minute)
	s.reinsert(j)

	got, due := s.popDue(t0.Add(2 * time.Minute))
	require.True(t, due)
	assert.Equal(t, 3, got.attempt)
}

func TestScheduleRemove(t *testing.T) {
	s := newSchedule()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.upsert("app", "A", t0)
	s.upsert("app", "B", t0.Add(time.Minute))
	s.remove("app", "A")
	s.remove("app", "MISSING")

	assert.Equal(t, 1, s.Len())
	j, ok := s.peek()
	require.True(t, ok)
	assert.Equal(t, "B", j.key)
}
