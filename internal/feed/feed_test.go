package feed_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/batchui/batchrun/internal/feed"
	"github.com/batchui/batchrun/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func logEvent(i int) feed.Event {
	return feed.Event{Kind: feed.KindLog, Stream: feed.StreamStdout, Data: fmt.Sprintf("line %d\n", i)}
}

func completed() feed.Event {
	end := time.Now().UTC()
	return feed.Event{Kind: feed.KindStatus, Status: model.StatusCompleted, EndTime: &end}
}

func collect(t *testing.T, sub *feed.Subscription) []feed.Event {
	t.Helper()
	var ret []feed.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return ret
			}
			ret = append(ret, e)
		case <-timeout:
			t.Fatalf("subscription %s not closed", sub.RunID)
		}
	}
}

func TestFeed_Order(t *testing.T) {
	t.Parallel()
	f := feed.New(feed.Options{Buffer: 16})
	t.Cleanup(f.Close)

	a := f.Subscribe("run")
	b := f.Subscribe("run")
	other := f.Subscribe("other")
	require.Equal(t, 2, f.Topics())

	for i := range 5 {
		f.Publish("run", logEvent(i))
	}
	f.Publish("run", feed.Event{Kind: feed.KindProgress, Progress: 42})
	f.Terminate("run", completed())

	for _, sub := range []*feed.Subscription{a, b} {
		events := collect(t, sub)
		require.Len(t, events, 7)
		for i := range 5 {
			require.Equal(t, fmt.Sprintf("line %d\n", i), events[i].Data)
			require.Equal(t, "run", events[i].RunID)
			require.False(t, events[i].Terminal())
		}
		require.Equal(t, 42, events[5].Progress)
		require.True(t, events[6].Terminal())
		require.NotNil(t, events[6].EndTime)
		require.True(t, sub.Sealed())
	}

	require.Equal(t, 1, f.Topics())
	other.Close()
	other.Close()
	require.Zero(t, f.Topics())
}

func TestFeed_FullBuffer(t *testing.T) {
	t.Parallel()
	f := feed.New(feed.Options{Buffer: 4})
	t.Cleanup(f.Close)

	sub := f.Subscribe("run")
	for i := range 10 {
		f.Publish("run", logEvent(i))
	}
	require.EqualValues(t, 6, sub.Dropped())

	f.Terminate("run", completed())
	events := collect(t, sub)
	require.Len(t, events, 4)
	// the oldest event made room for the terminal one
	require.Equal(t, "line 1\n", events[0].Data)
	require.Equal(t, "line 3\n", events[2].Data)
	require.True(t, events[3].Terminal())
	require.EqualValues(t, 7, sub.Dropped())
}

func TestFeed_LateSubscriber(t *testing.T) {
	t.Parallel()
	f := feed.New(feed.Options{Grace: 100 * time.Millisecond})
	t.Cleanup(f.Close)

	f.Publish("run", logEvent(0))
	f.Terminate("run", completed())

	late := f.Subscribe("run")
	require.True(t, late.Sealed())
	events := collect(t, late)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusCompleted, events[0].Status)
	require.Zero(t, f.Topics())

	require.Eventually(t, func() bool {
		sub := f.Subscribe("run")
		defer sub.Close()
		return !sub.Sealed()
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFeed_Seal(t *testing.T) {
	t.Parallel()
	f := feed.New(feed.Options{})
	t.Cleanup(f.Close)

	sub := f.Subscribe("run")
	f.Seal(sub, feed.Event{Kind: feed.KindSnapshot, Status: model.StatusFailed})
	events := collect(t, sub)
	require.Len(t, events, 1)
	require.Equal(t, feed.KindSnapshot, events[0].Kind)
	require.Equal(t, "run", events[0].RunID)
	require.True(t, events[0].Terminal())
	require.Zero(t, f.Topics())

	// a terminate after the seal is harmless
	f.Terminate("run", completed())
	f.Publish("run", logEvent(1))
}

func TestFeed_Close(t *testing.T) {
	t.Parallel()
	f := feed.New(feed.Options{})
	sub := f.Subscribe("run")
	f.Terminate("done", completed())
	f.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
	require.Zero(t, f.Topics())
}
