package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/roomclient"
)

type fakeResolver struct {
	room roomclient.RoomID
}

func (r *fakeResolver) EnsureBroadcastRoom(ctx context.Context, suffix string) (roomclient.RoomID, error) {
	return r.room, nil
}

func TestWorkerDrainsQueuedMessagesAndClearsPrioritize(t *testing.T) {
	net := roomclient.NewNetwork()
	sender := net.NewClient("@0x1:fake", "")
	receiver := net.NewClient("@0x2:fake", "")

	room, err := sender.CreateRoom(context.Background(), []identity.UserID{"@0x2:fake"}, false)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := receiver.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("join room: %v", err)
	}

	w := New(sender, &fakeResolver{room: room}, 20*time.Millisecond, 0)
	if !w.Prioritized() {
		t.Fatal("expected prioritize to start true")
	}

	if err := w.Enqueue("discovery", message.NewPing()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	deadline := time.After(150 * time.Millisecond)
	for w.Prioritized() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for prioritize to clear")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
