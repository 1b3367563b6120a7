package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
)

type memoryRecord struct {
	visitor *model.Visitor
	rev     uint64
}

// Memory is an in-process Repository. Listing returns visitors in creation
// order. It is used by tests and by the single-process kiosk mode.
type Memory struct {
	mu        sync.RWMutex
	order     []model.VisitorID
	visitors  map[model.VisitorID]*memoryRecord
	reminders map[model.ReminderID]*model.Reminder
	rev       uint64

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		visitors:  make(map[model.VisitorID]*memoryRecord),
		reminders: make(map[model.ReminderID]*model.Reminder),
		watchers:  make(map[chan struct{}]struct{}),
	}
}

func (r *Memory) CreateVisitor(ctx context.Context, visitor *model.Visitor) (model.VisitorID, error) {
	id := model.VisitorID(uuid.New().String())

	v := visitor.Clone()
	v.ID = id

	r.mu.Lock()
	r.rev++
	r.visitors[id] = &memoryRecord{visitor: v, rev: r.rev}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.broadcast()
	return id, nil
}

func (r *Memory) GetVisitor(ctx context.Context, id model.VisitorID) (*model.Visitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.visitors[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
	}
	return rec.visitor.Clone(), nil
}

func (r *Memory) ListVisitors(ctx context.Context) ([]*model.Visitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visitors := make([]*model.Visitor, 0, len(r.order))
	for _, id := range r.order {
		visitors = append(visitors, r.visitors[id].visitor.Clone())
	}
	return visitors, nil
}

func (r *Memory) UpdateVisitor(ctx context.Context, id model.VisitorID, update *model.VisitorUpdate) error {
	r.mu.Lock()
	rec, ok := r.visitors[id]
	if !ok {
		r.mu.Unlock()
		return goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
	}
	update.Apply(rec.visitor)
	r.rev++
	rec.rev = r.rev
	r.mu.Unlock()

	r.broadcast()
	return nil
}

func (r *Memory) DeleteVisitor(ctx context.Context, id model.VisitorID) error {
	r.mu.Lock()
	if _, ok := r.visitors[id]; !ok {
		r.mu.Unlock()
		return goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
	}
	delete(r.visitors, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rev++
	r.mu.Unlock()

	r.broadcast()
	return nil
}

func (r *Memory) WatchVisitor(ctx context.Context, id model.VisitorID, fn VisitorWatchFunc) error {
	ch, unsubscribe := r.subscribe()
	defer unsubscribe()

	var (
		delivered bool
		lastRev   uint64
	)
	for {
		r.mu.RLock()
		var (
			v   *model.Visitor
			rev uint64
		)
		if rec, ok := r.visitors[id]; ok {
			v, rev = rec.visitor.Clone(), rec.rev
		}
		r.mu.RUnlock()

		if !delivered || rev != lastRev {
			delivered, lastRev = true, rev
			done, err := fn(v)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (r *Memory) WatchPending(ctx context.Context, fn PendingWatchFunc) error {
	ch, unsubscribe := r.subscribe()
	defer unsubscribe()

	var (
		delivered bool
		lastSig   []uint64
	)
	for {
		r.mu.RLock()
		var (
			pending []*model.Visitor
			sig     []uint64
		)
		for _, id := range r.order {
			rec := r.visitors[id]
			if rec.visitor.Approved {
				continue
			}
			pending = append(pending, rec.visitor.Clone())
			sig = append(sig, rec.rev)
		}
		r.mu.RUnlock()

		if !delivered || !sameRevisions(sig, lastSig) {
			delivered, lastSig = true, sig
			done, err := fn(pending)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func sameRevisions(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// subscribe registers a change signal. Signals coalesce: a watcher that is
// busy while several writes happen wakes up once.
func (r *Memory) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.watchMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watchMu.Unlock()

	return ch, func() {
		r.watchMu.Lock()
		delete(r.watchers, ch)
		r.watchMu.Unlock()
	}
}

func (r *Memory) broadcast() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Memory) PutReminder(ctx context.Context, reminder *model.Reminder) error {
	if reminder.ID == "" {
		return goerr.New("reminder ID is empty")
	}
	c := *reminder
	r.mu.Lock()
	r.reminders[reminder.ID] = &c
	r.mu.Unlock()
	return nil
}

func (r *Memory) GetReminder(ctx context.Context, id model.ReminderID) (*model.Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rem, ok := r.reminders[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
	}
	c := *rem
	return &c, nil
}

func (r *Memory) ListReminders(ctx context.Context, status model.ReminderStatus) ([]*model.Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var reminders []*model.Reminder
	for _, rem := range r.reminders {
		if rem.Status != status {
			continue
		}
		c := *rem
		reminders = append(reminders, &c)
	}
	return reminders, nil
}

func (r *Memory) ClaimReminder(ctx context.Context, id model.ReminderID, status model.ReminderStatus) (*model.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem, ok := r.reminders[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
	}
	if rem.Status != model.ReminderPending {
		return nil, goerr.Wrap(model.ErrReminderClaimed, "reminder is not pending",
			goerr.V("id", id),
			goerr.V("status", rem.Status))
	}
	rem.Status = status
	c := *rem
	return &c, nil
}

func (r *Memory) FinishReminder(ctx context.Context, id model.ReminderID, status model.ReminderStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem, ok := r.reminders[id]
	if !ok {
		return goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
	}
	now := time.Now()
	rem.Status = status
	rem.Error = errMsg
	rem.DispatchedAt = &now
	return nil
}
