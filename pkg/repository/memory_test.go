package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
)

func TestMemoryVisitorLifecycle(t *testing.T) {
	testVisitorLifecycle(t, repository.NewMemory())
}

func TestMemoryWatchVisitor(t *testing.T) {
	testWatchVisitor(t, repository.NewMemory())
}

func TestMemoryReminderClaim(t *testing.T) {
	testReminderClaim(t, repository.NewMemory())
}

func TestMemoryListOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	var ids []model.VisitorID
	for _, name := range []string{"a", "b", "c"} {
		id, err := repo.CreateVisitor(ctx, newVisitor(name))
		gt.NoError(t, err)
		ids = append(ids, id)
	}
	gt.NoError(t, repo.DeleteVisitor(ctx, ids[1]))

	visitors, err := repo.ListVisitors(ctx)
	gt.NoError(t, err)
	gt.A(t, visitors).Length(2)
	gt.Equal(t, visitors[0].ID, ids[0])
	gt.Equal(t, visitors[1].ID, ids[2])
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	id, err := repo.CreateVisitor(ctx, newVisitor("copy"))
	gt.NoError(t, err)

	v, err := repo.GetVisitor(ctx, id)
	gt.NoError(t, err)
	v.Approved = true
	v.Embedding[0] = 42

	again, err := repo.GetVisitor(ctx, id)
	gt.NoError(t, err)
	gt.False(t, again.Approved)
	gt.Equal(t, again.Embedding[0], float32(0.1))
}

func TestMemoryWatchVisitorMissing(t *testing.T) {
	repo := repository.NewMemory()

	var calls int
	err := repo.WatchVisitor(context.Background(), "missing", func(v *model.Visitor) (bool, error) {
		calls++
		gt.Nil(t, v)
		return true, nil
	})
	gt.NoError(t, err)
	gt.Equal(t, calls, 1)
}

func TestMemoryWatchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := repository.NewMemory()

	id, err := repo.CreateVisitor(ctx, newVisitor("cancel"))
	gt.NoError(t, err)

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- repo.WatchVisitor(ctx, id, func(v *model.Visitor) (bool, error) {
			close(started)
			return false, nil
		})
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		gt.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestMemoryWatchCallbackError(t *testing.T) {
	repo := repository.NewMemory()
	boom := errors.New("boom")

	err := repo.WatchPending(context.Background(), func(visitors []*model.Visitor) (bool, error) {
		return false, boom
	})
	gt.True(t, errors.Is(err, boom))
}

func TestMemoryWatchPending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	repo := repository.NewMemory()

	a, err := repo.CreateVisitor(ctx, newVisitor("a"))
	gt.NoError(t, err)

	var (
		mu        sync.Mutex
		snapshots [][]model.VisitorID
	)
	updated := make(chan struct{}, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- repo.WatchPending(ctx, func(visitors []*model.Visitor) (bool, error) {
			ids := make([]model.VisitorID, 0, len(visitors))
			for _, v := range visitors {
				ids = append(ids, v.ID)
			}
			mu.Lock()
			snapshots = append(snapshots, ids)
			mu.Unlock()
			updated <- struct{}{}
			return len(visitors) == 0, nil
		})
	}()

	<-updated
	b, err := repo.CreateVisitor(ctx, newVisitor("b"))
	gt.NoError(t, err)
	<-updated

	gt.NoError(t, repo.UpdateVisitor(ctx, a, &model.VisitorUpdate{Approved: model.Ptr(true)}))
	<-updated
	gt.NoError(t, repo.DeleteVisitor(ctx, b))
	<-updated

	gt.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	gt.A(t, snapshots).Length(4)
	gt.Equal(t, snapshots[0], []model.VisitorID{a})
	gt.Equal(t, snapshots[1], []model.VisitorID{a, b})
	gt.Equal(t, snapshots[2], []model.VisitorID{b})
	gt.A(t, snapshots[3]).Length(0)
}
