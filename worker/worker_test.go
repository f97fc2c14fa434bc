package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mailpulse/models"
	"mailpulse/utils"
)

var quiet = log.New(io.Discard, "", 0)

type countingDispatcher struct {
	calls atomic.Int32
	err   error
}

func (d *countingDispatcher) DispatchDue(context.Context) (int, error) {
	d.calls.Add(1)
	if d.err != nil {
		return 0, d.err
	}
	return 2, nil
}

type stubPoller struct {
	msgs []utils.ParsedMessage
	err  error
}

func (p *stubPoller) FetchUnseen(context.Context) ([]utils.ParsedMessage, error) {
	return p.msgs, p.err
}

type stubProcessor struct {
	seen []string
	fail map[string]bool
}

func (p *stubProcessor) Process(_ context.Context, pm utils.ParsedMessage) (*models.Message, error) {
	p.seen = append(p.seen, pm.From)
	if p.fail[pm.From] {
		return nil, errors.New("boom")
	}
	return &models.Message{From: pm.From}, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	d := &countingDispatcher{}
	w := NewSchedulerWorker(d, 0, quiet)
	assert.Equal(t, time.Minute, w.Interval)
	assert.Equal(t, 2, w.RunOnce(context.Background()))

	d.err = errors.New("db down")
	assert.Equal(t, 0, w.RunOnce(context.Background()))
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	d := &countingDispatcher{}
	w := NewSchedulerWorker(d, 5*time.Millisecond, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestInboxPollSkipsFailures(t *testing.T) {
	poller := &stubPoller{msgs: []utils.ParsedMessage{
		{From: "a@x.com"}, {From: "bad@x.com"}, {From: "c@x.com"},
	}}
	proc := &stubProcessor{fail: map[string]bool{"bad@x.com": true}}
	w := NewInboxWorker(poller, proc, time.Minute, quiet)

	assert.Equal(t, 2, w.Poll(context.Background()))
	assert.Equal(t, []string{"a@x.com", "bad@x.com", "c@x.com"}, proc.seen)
}

func TestInboxPollFetchError(t *testing.T) {
	poller := &stubPoller{err: errors.New("imap unavailable")}
	proc := &stubProcessor{}
	w := NewInboxWorker(poller, proc, time.Minute, quiet)

	assert.Equal(t, 0, w.Poll(context.Background()))
	assert.Empty(t, proc.seen)
}
