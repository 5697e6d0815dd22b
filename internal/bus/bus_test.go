package bus

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := New(nil, 0)

	s1 := b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
	s2 := b.Publish(&models.Event{Type: models.EventTaskCompleted, ProjectID: "proj_1"})
	assert.Equal(t, int64(1), s1)
	assert.Equal(t, int64(2), s2)
}

func TestSubscriberReceivesFilteredEvents(t *testing.T) {
	b := New(nil, 4)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	sub.SetProjectFilter([]string{"proj_1"})

	b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
	b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_2"})
	b.Publish(&models.Event{Type: models.EventTaskCompleted, ProjectID: "proj_1"})

	got := <-sub.Events()
	assert.Equal(t, models.EventTaskCreated, got.Type)
	assert.Equal(t, "proj_1", got.ProjectID)

	got = <-sub.Events()
	assert.Equal(t, models.EventTaskCompleted, got.Type)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestEmptyFilterDeliversNothingProjectScoped(t *testing.T) {
	b := New(nil, 4)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestGlobalEventsBypassFilter(t *testing.T) {
	b := New(nil, 4)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	sub.SetProjectFilter([]string{"proj_1"})

	b.Publish(&models.Event{Type: models.EventPing})

	got := <-sub.Events()
	assert.Equal(t, models.EventPing, got.Type)
}

func TestOverflowDisconnectsSubscriber(t *testing.T) {
	b := New(nil, 2)

	slow := b.Subscribe()
	slow.SetProjectFilter([]string{"proj_1"})
	healthy := b.Subscribe()
	defer b.Unsubscribe(healthy)
	healthy.SetProjectFilter([]string{"proj_1"})

	// Fill the slow subscriber's queue without draining, then overflow it.
	// The healthy subscriber keeps up by draining each event as it arrives.
	healthyGot := 0
	for i := 0; i < 3; i++ {
		b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
		<-healthy.Events()
		healthyGot++
	}

	assert.Equal(t, 1, b.SubscriberCount())

	// The channel closes after the two buffered events drain.
	<-slow.Events()
	<-slow.Events()
	_, open := <-slow.Events()
	assert.False(t, open)

	// The healthy subscriber got everything.
	assert.Equal(t, 3, healthyGot)
}

func TestSetProjectFilterReplacesSet(t *testing.T) {
	b := New(nil, 4)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	sub.SetProjectFilter([]string{"proj_1"})
	sub.SetProjectFilter([]string{"proj_2"})

	b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
	b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_2"})

	got := <-sub.Events()
	assert.Equal(t, "proj_2", got.ProjectID)
}

func TestConcurrentPublishersDeliverSeqsInOrder(t *testing.T) {
	const (
		publishers         = 8
		eventsPerPublisher = 200
	)

	b := New(nil, publishers*eventsPerPublisher)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	sub.SetProjectFilter([]string{"proj_1"})

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < publishers*eventsPerPublisher; i++ {
		got := <-sub.Events()
		assert.Greater(t, got.Seq, last, "seqs arrive strictly increasing")
		last = got.Seq
	}
}

func TestSeqResumesAfterRestart(t *testing.T) {
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	b := New(db, 4)
	last := b.Publish(&models.Event{Type: models.EventTaskCreated, ProjectID: "proj_1"})
	last = b.Publish(&models.Event{Type: models.EventTaskCompleted, ProjectID: "proj_1"})

	// A new bus over the same log continues the numbering.
	b2 := New(db, 4)
	next := b2.Publish(&models.Event{Type: models.EventTaskFailed, ProjectID: "proj_1"})
	assert.Equal(t, last+1, next)

	events, err := store.ListEvents(db, store.ListEventsParams{ProjectID: "proj_1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
