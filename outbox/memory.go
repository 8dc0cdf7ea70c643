package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps the outbox in memory.
//
// It implements Repository, UnitOfWorkFactory and Cleaner. Units of work
// are serialized: Begin blocks until the previous unit of work completed.
// Useful for tests and single-process setups that accept losing the outbox
// on restart.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []*Row
	ids  map[string]struct{}
	lock chan struct{}
	now  func() time.Time
}

// NewMemoryRepository creates an empty in-memory outbox.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		ids:  make(map[string]struct{}),
		lock: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Add stores copies of rows. Either all rows are added or none.
func (r *MemoryRepository) Add(ctx context.Context, rows ...*Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := r.ids[row.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRow, row.ID)
		}
		if _, ok := seen[row.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRow, row.ID)
		}
		seen[row.ID] = struct{}{}
	}

	for _, row := range rows {
		r.rows = append(r.rows, cloneRow(row))
		r.ids[row.ID] = struct{}{}
	}
	return nil
}

// Begin starts a unit of work, waiting for the previous one to finish.
func (r *MemoryRepository) Begin(ctx context.Context) (UnitOfWork, error) {
	select {
	case r.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryUnitOfWork{repo: r, marks: make(map[string]time.Time)}, nil
}

// Rows returns copies of all rows in insertion order.
func (r *MemoryRepository) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *cloneRow(row))
	}
	return out
}

// Pending returns the number of unprocessed rows.
func (r *MemoryRepository) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, row := range r.rows {
		if !row.Processed {
			n++
		}
	}
	return n
}

// DeleteProcessed removes rows processed more than olderThan ago.
func (r *MemoryRepository) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	before := len(r.rows)
	r.rows = slices.DeleteFunc(r.rows, func(row *Row) bool {
		if row.Processed && row.ProcessedAt != nil && row.ProcessedAt.Before(cutoff) {
			delete(r.ids, row.ID)
			return true
		}
		return false
	})
	return int64(before - len(r.rows)), nil
}

type memoryUnitOfWork struct {
	repo  *MemoryRepository
	marks map[string]time.Time
	done  bool
}

func (u *memoryUnitOfWork) FetchUnpublished(ctx context.Context, limit int) ([]*Row, error) {
	if u.done {
		return nil, ErrUnitOfWorkDone
	}

	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()

	var out []*Row
	for _, row := range u.repo.rows {
		if row.Processed {
			continue
		}
		out = append(out, cloneRow(row))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (u *memoryUnitOfWork) MarkProcessed(ctx context.Context, row *Row) error {
	if u.done {
		return ErrUnitOfWorkDone
	}
	now := u.repo.now()
	row.MarkProcessed(now)
	u.marks[row.ID] = now
	return nil
}

func (u *memoryUnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrUnitOfWorkDone
	}

	u.repo.mu.Lock()
	for _, row := range u.repo.rows {
		if at, ok := u.marks[row.ID]; ok {
			row.MarkProcessed(at)
		}
	}
	u.repo.mu.Unlock()

	u.finish()
	return nil
}

func (u *memoryUnitOfWork) Rollback(ctx context.Context) error {
	if !u.done {
		u.finish()
	}
	return nil
}

func (u *memoryUnitOfWork) finish() {
	u.done = true
	<-u.repo.lock
}

func cloneRow(row *Row) *Row {
	c := *row
	c.Payload = slices.Clone(row.Payload)
	if row.ProcessedAt != nil {
		at := *row.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// Compile-time checks
var (
	_ Repository        = (*MemoryRepository)(nil)
	_ UnitOfWorkFactory = (*MemoryRepository)(nil)
	_ Cleaner           = (*MemoryRepository)(nil)
	_ UnitOfWork        = (*memoryUnitOfWork)(nil)
)
