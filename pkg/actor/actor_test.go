package actor

import (
	"sync"
	"testing"
	"time"
)

func TestInProcessSendDelivers(t *testing.T) {
	transport := NewInProcess()
	received := make(chan any, 1)

	mb := NewMailbox(PID("a"), nil)
	transport.Register(PID("a"), mb)
	go mb.Run(func(msg any) { received <- msg })
	defer mb.Close()

	if err := transport.Send(PID("a"), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("got %v, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInProcessSendToUnknownPIDIsLostNotFatal(t *testing.T) {
	transport := NewInProcess()
	err := transport.Send(PID("ghost"), "x")
	if _, ok := err.(ErrNoMailbox); !ok {
		t.Fatalf("expected ErrNoMailbox, got %v", err)
	}
}

func TestBaseDelaySelfReentersHandler(t *testing.T) {
	transport := NewInProcess()
	b := NewBase(PID("self"), transport, nil)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	go b.Run(func(msg any) {
		mu.Lock()
		got = append(got, msg.(string))
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})
	defer b.Stop()

	b.Send(b.PID, "immediate")
	b.DelaySelf(10*time.Millisecond, "delayed")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "immediate" || got[1] != "delayed" {
		t.Fatalf("unexpected FIFO order: %v", got)
	}
}

func TestMailboxDropsWhenFull(t *testing.T) {
	mb := NewMailbox(PID("full"), nil)
	for i := 0; i < defaultMailboxSize+10; i++ {
		mb.post(i)
	}
	mb.mu.Lock()
	dropped := mb.dropped
	mb.mu.Unlock()
	if dropped == 0 {
		t.Fatal("expected some messages to be dropped once the mailbox saturates")
	}
}
