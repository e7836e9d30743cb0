package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchguard/internal/activity"
)

// TestStoreSinkRecordsOnlyBlocks ensures other kinds never reach the repository.
func TestStoreSinkRecordsOnlyBlocks(t *testing.T) {
	t.Parallel()

	repo := &fakeBlockRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	block := activity.New(activity.KindBlocked, now)
	block.MatchedTerm = "foo"
	eval := activity.New(activity.KindEvaluated, now)
	eval.Source = "url"

	require.NoError(t, sink.Consume(context.Background(), []activity.Event{eval, block, eval}))
	require.Equal(t, 1, repo.calls)
	require.Len(t, repo.events, 1)
	require.Equal(t, "foo", repo.events[0].MatchedTerm)

	require.NoError(t, sink.Consume(context.Background(), []activity.Event{eval}))
	require.Equal(t, 1, repo.calls, "batches without blocks skip the repository")
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeBlockRepo{fail: true}, nil)
	block := activity.New(activity.KindBlocked, time.Now())
	block.MatchedTerm = "foo"
	err := sink.Consume(context.Background(), []activity.Event{block})
	require.ErrorContains(t, err, "record blocks")
}

type fakeBlockRepo struct {
	fail   bool
	calls  int
	events []activity.Event
}

func (f *fakeBlockRepo) RecordBlocks(_ context.Context, events []activity.Event) error {
	if f.fail {
		return errors.New("boom")
	}
	f.calls++
	f.events = append(f.events, events...)
	return nil
}
