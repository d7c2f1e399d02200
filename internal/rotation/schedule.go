package rotation

import (
	"container/heap"
	"time"
)

// job is one scheduled rotation. attempt counts consecutive failures
// since the last success and drives the retry backoff.
type job struct {
	project string
	key     string
	due     time.Time
	attempt int

	index int
}

func jobName(project, key string) string { return project + "/" + key }

// schedule is a min-heap of jobs ordered by due time, with a name index
// so policy changes can reschedule in place.
type schedule struct {
	items  []*job
	byName map[string]*job
}

func newSchedule() *schedule {
	return &schedule{byName: make(map[string]*job)}
}

func (s *schedule) Len() int           { return len(s.items) }
func (s *schedule) Less(i, j int) bool { return s.items[i].due.Before(s.items[j].due) }
func (s *schedule) Swap(i, j int) {
	s.items[i], s.items[j] = s.items[j], s.items[i]
	s.items[i].index = i
	s.items[j].index = j
}

func (s *schedule) Push(x any) {
	j := x.(*job)
	j.index = len(s.items)
	s.items = append(s.items, j)
}

func (s *schedule) Pop() any {
	old := s.items
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	s.items = old[:n-1]
	return j
}

// upsert inserts or reschedules a job, keeping the failure counter when
// the job already exists.
func (s *schedule) upsert(project, key string, due time.Time) {
	name := jobName(project, key)
	if existing, ok := s.byName[name]; ok {
		existing.due = due
		heap.Fix(s, existing.index)
		return
	}
	j := &job{project: project, key: key, due: due}
	s.byName[name] = j
	heap.Push(s, j)
}

// reinsert puts a previously popped job back, keeping its attempt
// counter.
func (s *schedule) reinsert(j *job) {
	name := jobName(j.project, j.key)
	if existing, ok := s.byName[name]; ok {
		existing.due = j.due
		existing.attempt = j.attempt
		heap.Fix(s, existing.index)
		return
	}
	s.byName[name] = j
	heap.Push(s, j)
}

// remove drops a job, if present.
func (s *schedule) remove(project, key string) {
	name := jobName(project, key)
	j, ok := s.byName[name]
	if !ok {
		return
	}
	heap.Remove(s, j.index)
	delete(s.byName, name)
}

// peek returns the earliest job without removing it.
func (s *schedule) peek() (*job, bool) {
	if len(s.items) == 0 {
		return nil, false
	}
	return s.items[0], true
}

// popDue removes and returns the earliest job if it is due at now.
func (s *schedule) popDue(now time.Time) (*job, bool) {
	j, ok := s.peek()
	if !ok || j.due.After(now) {
		return nil, false
	}
	heap.Pop(s)
	delete(s.byName, jobName(j.project, j.key))
	return j, true
}
