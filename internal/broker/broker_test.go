package broker

import (
	"sync"
	"testing"

	"github.com/carlosrabelo/karoorpc/internal/metrics"
)

type fakeConn struct {
	id       string
	mu       sync.Mutex
	received []string
	failKey  string
}

func (f *fakeConn) SendPublish(key string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failKey {
		return errTest
	}
	f.received = append(f.received, key)
	return nil
}

var errTest = &testErr{"send failed"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

func TestSubscribePublishFanOut(t *testing.T) {
	mx := metrics.NewCollector()
	b := New(mx, nil)

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "c"}
	b.Subscribe("topic", a)
	b.Subscribe("topic", c)

	if err := b.Publish("topic", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(a.received) != 1 || a.received[0] != "topic" {
		t.Fatalf("a.received = %v", a.received)
	}
	if len(c.received) != 1 {
		t.Fatalf("c.received = %v", c.received)
	}
	if got := mx.Snapshot().SubscriptionsActive; got != 2 {
		t.Fatalf("SubscriptionsActive = %d, want 2", got)
	}
}

func TestPublishWithNoSubscribersReportsOnError(t *testing.T) {
	var gotKey string
	var gotErr error
	b := New(metrics.NewCollector(), func(key string, err error) {
		gotKey, gotErr = key, err
	})

	if err := b.Publish("missing", "x"); err != nil {
		t.Fatalf("Publish should not return an error for zero subscribers: %v", err)
	}
	if gotKey != "missing" || gotErr == nil {
		t.Fatalf("onError not invoked as expected: key=%q err=%v", gotKey, gotErr)
	}
}

func TestUnsubscribeRemovesFromBothIndexes(t *testing.T) {
	mx := metrics.NewCollector()
	b := New(mx, nil)
	a := &fakeConn{id: "a"}

	b.Subscribe("t1", a)
	b.Subscribe("t2", a)
	b.Unsubscribe("t1", a)

	if b.SubscriberCount("t1") != 0 {
		t.Fatal("expected t1 to have no subscribers")
	}
	if b.SubscriberCount("t2") != 1 {
		t.Fatal("expected t2 to still have a")
	}
	if got := mx.Snapshot().SubscriptionsActive; got != 1 {
		t.Fatalf("SubscriptionsActive = %d, want 1", got)
	}
}

func TestUnsubscribeAllRemovesEveryKeyInOnePass(t *testing.T) {
	mx := metrics.NewCollector()
	b := New(mx, nil)
	a := &fakeConn{id: "a"}

	b.Subscribe("t1", a)
	b.Subscribe("t2", a)
	b.Subscribe("t3", a)
	b.UnsubscribeAll(a)

	for _, k := range []string{"t1", "t2", "t3"} {
		if b.SubscriberCount(k) != 0 {
			t.Fatalf("expected %s to have no subscribers after UnsubscribeAll", k)
		}
	}
	if got := mx.Snapshot().SubscriptionsActive; got != 0 {
		t.Fatalf("SubscriptionsActive = %d, want 0", got)
	}
}

func TestDuplicateSubscribeIsIdempotent(t *testing.T) {
	mx := metrics.NewCollector()
	b := New(mx, nil)
	a := &fakeConn{id: "a"}

	b.Subscribe("t1", a)
	b.Subscribe("t1", a)

	if got := mx.Snapshot().SubscriptionsActive; got != 1 {
		t.Fatalf("SubscriptionsActive = %d, want 1 (duplicate subscribe should not double-count)", got)
	}
	if b.SubscriberCount("t1") != 1 {
		t.Fatal("expected a single subscriber entry")
	}
}
