package websocket

import "testing"

// TestTopicAccess tests public vs authenticated topic gating
func TestTopicAccess(t *testing.T) {
	c := &Client{topics: make(map[string]bool)}

	public := []string{"price:BTC-PERP", "orderbook:ETH-PERP", "trades:AAPL-PERP", "candles:BTC-PERP:1m"}
	for _, topic := range public {
		if !c.canAccess(topic) {
			t.Errorf("%s: public topic should not require auth", topic)
		}
	}

	if c.canAccess("user:0xabc") {
		t.Errorf("anonymous client granted a user topic")
	}
	if c.canAccess("admin:stuff") {
		t.Errorf("unknown topic prefix granted")
	}

	c.address = "0xabc"
	if !c.canAccess("user:0xabc") {
		t.Errorf("authenticated client denied its own user topic")
	}
	if c.canAccess("user:0xother") {
		t.Errorf("client granted another user's topic")
	}
}
