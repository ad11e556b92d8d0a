package storage

import (
	"sync"

	"github.com/lumenlabs/borealis/sched"
)

// MakeInMemoryStorage creates a Storage backed by process memory. A single
// RWMutex provides the transactional boundary: writes exclude all other
// transactions, reads run concurrently against a stable view.
func MakeInMemoryStorage() Storage {
	return &inMemoryStorage{
		tasks: make(map[string]sched.Task),
		locks: make(map[sched.JobKey]sched.Lock),
	}
}

type inMemoryStorage struct {
	mu    sync.RWMutex
	tasks map[string]sched.Task
	locks map[sched.JobKey]sched.Lock
}

func (s *inMemoryStorage) Read(work func(StoreProvider) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return work(&provider{s: s})
}

func (s *inMemoryStorage) Write(work func(MutableStoreProvider) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage mutations on copies so a failed write leaves nothing behind.
	staged := &inMemoryStorage{
		tasks: make(map[string]sched.Task, len(s.tasks)),
		locks: make(map[sched.JobKey]sched.Lock, len(s.locks)),
	}
	for id, t := range s.tasks {
		staged.tasks[id] = t
	}
	for k, l := range s.locks {
		staged.locks[k] = l
	}

	if err := work(&mutableProvider{s: staged}); err != nil {
		return err
	}
	s.tasks = staged.tasks
	s.locks = staged.locks
	return nil
}

type provider struct {
	s *inMemoryStorage
}

func (p *provider) Tasks() TaskStore { return &taskStore{s: p.s} }
func (p *provider) Locks() LockStore { return &lockStore{s: p.s} }

type mutableProvider struct {
	s *inMemoryStorage
}

func (p *mutableProvider) Tasks() MutableTaskStore { return &taskStore{s: p.s} }
func (p *mutableProvider) Locks() MutableLockStore { return &lockStore{s: p.s} }

type taskStore struct {
	s *inMemoryStorage
}

func (t *taskStore) FetchTask(id string) (sched.Task, bool) {
	task, ok := t.s.tasks[id]
	return task, ok
}

func (t *taskStore) FetchTasksByStatus(status sched.Status) []sched.Task {
	var out []sched.Task
	for _, task := range t.s.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out
}

func (t *taskStore) FetchTasksByHost(host string) []sched.Task {
	var out []sched.Task
	for _, task := range t.s.tasks {
		if task.Host == host && !task.Status.Terminal() {
			out = append(out, task)
		}
	}
	return out
}

func (t *taskStore) SaveTask(task sched.Task) {
	t.s.tasks[task.ID] = task
}

func (t *taskStore) MutateTask(id string, f func(sched.Task) sched.Task) bool {
	task, ok := t.s.tasks[id]
	if !ok {
		return false
	}
	t.s.tasks[id] = f(task)
	return true
}

func (t *taskStore) DeleteTask(id string) {
	delete(t.s.tasks, id)
}

type lockStore struct {
	s *inMemoryStorage
}

func (l *lockStore) FetchLock(key sched.JobKey) (sched.Lock, bool) {
	lock, ok := l.s.locks[key]
	return lock, ok
}

func (l *lockStore) FetchLocks() []sched.Lock {
	out := make([]sched.Lock, 0, len(l.s.locks))
	for _, lock := range l.s.locks {
		out = append(out, lock)
	}
	return out
}

func (l *lockStore) SaveLock(lock sched.Lock) {
	l.s.locks[lock.Key] = lock
}

func (l *lockStore) RemoveLock(key sched.JobKey) {
	delete(l.s.locks, key)
}
