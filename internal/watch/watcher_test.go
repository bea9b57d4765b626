package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/model"
)

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	anchors []time.Time
	prefs   []aggregate.Preferences
	err     error
	agenda  aggregate.Agenda
}

func (f *fakeRefresher) RefreshEvents(_ context.Context, anchor time.Time, prefs aggregate.Preferences) (aggregate.Agenda, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.anchors = append(f.anchors, anchor)
	f.prefs = append(f.prefs, prefs)
	if f.err != nil {
		return aggregate.Agenda{}, f.err
	}
	return f.agenda, nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var now = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakeRefresher{}, "every five minutes")
	assert.ErrorContains(t, err, "invalid schedule")
}

func TestNext(t *testing.T) {
	w, err := New(&fakeRefresher{}, "*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC), w.Next(now))
}

func TestRunOnce(t *testing.T) {
	ref := &fakeRefresher{agenda: aggregate.Agenda{
		Events: []model.Event{{ID: "e1"}, {ID: "e2"}},
		Failed: 1,
	}}
	var got []aggregate.Agenda
	w, err := New(ref, "@hourly",
		WithClock(func() time.Time { return now }),
		WithPreferences(aggregate.Preferences{ResumeLastViewed: true}),
		OnRefresh(func(a aggregate.Agenda) { got = append(got, a) }),
	)
	require.NoError(t, err)
	assert.False(t, w.Ready())

	agenda, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, agenda.Events, 2)
	assert.Equal(t, []time.Time{now}, ref.anchors)
	assert.Equal(t, []aggregate.Preferences{{ResumeLastViewed: true}}, ref.prefs)
	assert.Len(t, got, 1)

	st := w.Status()
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, now, st.LastRun)
	assert.NoError(t, st.LastError)
	assert.Equal(t, 2, st.Events)
	assert.Equal(t, 1, st.Failed)
	assert.True(t, w.Ready())
}

func TestRunOnce_Error(t *testing.T) {
	boom := errors.New("boom")
	ref := &fakeRefresher{err: boom}
	called := false
	w, err := New(ref, "@hourly", OnRefresh(func(aggregate.Agenda) { called = true }))
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, w.Status().LastError, boom)
	assert.False(t, w.Ready())
	assert.False(t, called)
}

func TestRun_RefreshesImmediatelyAndStops(t *testing.T) {
	ref := &fakeRefresher{}
	w, err := New(ref, "@hourly")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return ref.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, ref.Calls())
}
