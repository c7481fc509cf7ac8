// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import "testing"

func TestHubSubscriptionBookkeeping(t *testing.T) {
	h := NewHub(discardLogger())
	c1 := &Conn{}
	c2 := &Conn{}

	h.Subscribe(c1, "f1")
	h.Subscribe(c1, "f2")
	h.Subscribe(c2, "f1")

	ids := h.UnsubscribeConn(c1)
	if len(ids) != 2 {
		t.Fatalf("unsubscribed ids = %v, want 2 entries", ids)
	}

	// c2 continua inscrita em f1
	h.mu.Lock()
	if len(h.bySession["f1"]) != 1 {
		t.Errorf("f1 subscribers = %d, want 1", len(h.bySession["f1"]))
	}
	if _, ok := h.bySession["f2"]; ok {
		t.Error("f2 must be dropped when its last subscriber leaves")
	}
	h.mu.Unlock()

	h.DropSession("f1")
	h.mu.Lock()
	if len(h.bySession) != 0 || len(h.byConn[c2]) != 0 {
		t.Error("DropSession must clear both maps")
	}
	h.mu.Unlock()
}

func TestHubUnsubscribeUnknownConn(t *testing.T) {
	h := NewHub(discardLogger())
	if ids := h.UnsubscribeConn(&Conn{}); len(ids) != 0 {
		t.Errorf("ids = %v, want empty", ids)
	}
}
