package websocket

import (
	"testing"

	"cosmossdk.io/log"
)

// TestPublishToDroppedClient tests fan-out racing a disconnect
func TestPublishToDroppedClient(t *testing.T) {
	h := NewHub(log.NewNopLogger(), nil, nil)
	c := newClient(h, nil)
	h.conns[c] = true
	h.topics["price:BTC-PERP"] = map[*Client]bool{c: true}

	h.dropClient(c)

	// A concurrent Publish can snapshot the subscriber set before the drop;
	// the late enqueue must land on the closed flag, not the closed channel.
	if !c.enqueue([]byte("tick")) {
		t.Errorf("dropped client should swallow late frames")
	}

	h.topics["price:BTC-PERP"] = map[*Client]bool{c: true}
	h.Publish("price:BTC-PERP", "price_update", map[string]string{"price": "1"})
}

// TestEnqueueFullQueue tests the slow-consumer signal
func TestEnqueueFullQueue(t *testing.T) {
	h := NewHub(log.NewNopLogger(), nil, nil)
	c := newClient(h, nil)

	for i := 0; i < sendBufferSize; i++ {
		if !c.enqueue([]byte("x")) {
			t.Fatalf("queue filled early at %d", i)
		}
	}
	if c.enqueue([]byte("overflow")) {
		t.Errorf("full queue should report failure so the hub can drop the client")
	}
}
