package notify

import (
	"errors"
	"reflect"
	"testing"
)

func TestSubscribeIsIdempotent(t *testing.T) {
	n := New()
	if err := n.Subscribe("T", "http://a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Subscribe("T", "http://a"); err != nil {
		t.Fatalf("repeat subscribe: %v", err)
	}
	got := n.GetSubscribers("T")
	if !reflect.DeepEqual(got, []string{"http://a"}) {
		t.Fatalf("expected exactly one copy of the subscriber, got %v", got)
	}
}

func TestUnsubscribeTwiceReturnsOkThenNotFound(t *testing.T) {
	n := New()
	if err := n.Subscribe("T", "http://a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Unsubscribe("T", "http://a"); err != nil {
		t.Fatalf("first unsubscribe: %v", err)
	}
	if err := n.Unsubscribe("T", "http://a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unsubscribe, got %v", err)
	}
}

// TestSubscribeUnsubscribeScenario reproduces spec.md §8's literal
// scenario 4: subscribe("T","http://a"); subscribe("T","http://b");
// unsubscribe("T","http://a"); get_subscribers("T") -> ["http://b"].
func TestSubscribeUnsubscribeScenario(t *testing.T) {
	n := New()
	_ = n.Subscribe("T", "http://a")
	_ = n.Subscribe("T", "http://b")
	_ = n.Unsubscribe("T", "http://a")

	got := n.GetSubscribers("T")
	if !reflect.DeepEqual(got, []string{"http://b"}) {
		t.Fatalf("expected [http://b], got %v", got)
	}
}

func TestGetSubscribersOnUnknownTopicIsEmpty(t *testing.T) {
	n := New()
	if got := n.GetSubscribers("nonexistent"); got != nil {
		t.Fatalf("expected nil/empty for an unknown topic, got %v", got)
	}
}

func TestPublishOnInMemoryNotifierAlwaysSucceeds(t *testing.T) {
	n := New()
	if err := n.Publish("T", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	n := New()
	_ = n.Subscribe("T1", "http://a")
	_ = n.Subscribe("T2", "http://b")

	if got := n.GetSubscribers("T1"); !reflect.DeepEqual(got, []string{"http://a"}) {
		t.Fatalf("T1 subscribers: %v", got)
	}
	if got := n.GetSubscribers("T2"); !reflect.DeepEqual(got, []string{"http://b"}) {
		t.Fatalf("T2 subscribers: %v", got)
	}
}
