package gop

import "testing"

func newTestEngine(cacheTimeMS uint32) *Engine {
	return NewEngine(Config{CacheTimeMS: cacheTimeMS}, nil)
}

// A cold subscriber joining mid-GOP receives the full decodable prefix
// in order.
func TestColdSubscriberReceivesDecodablePrefix(t *testing.T) {
	e := newTestEngine(10_000)

	push := func(kind Kind, ts uint32, isHeader, isKey bool) {
		if _, err := e.Cache(kind, ts, []byte{byte(ts)}, nil, isHeader, isKey, nil); err != nil {
			t.Fatalf("cache ts=%d: %v", ts, err)
		}
	}

	push(Video, 0, true, false)  // V-header
	push(Audio, 0, true, false)  // A-header
	push(Video, 100, false, true) // V-key
	push(Video, 133, false, false)
	push(Audio, 150, false, false)
	push(Video, 166, false, false)

	sub := e.Subscribe("viewer-1", 16)
	if sub.State() != Live && sub.State() != Catching {
		t.Fatalf("subscriber should have progressed past Pending, got %s", sub.State())
	}

	var delivered []uint32
	sub.Out.Drain(func(f *Frame) { delivered = append(delivered, f.Timestamp) })

	if len(delivered) == 0 {
		t.Fatalf("expected at least the cached GOP to be delivered")
	}
	// first data frame after any header frames must be the keyframe.
	firstData := -1
	for i, ts := range delivered {
		if ts == 100 {
			firstData = i
			break
		}
	}
	if firstData == -1 {
		t.Fatalf("keyframe (ts=100) never delivered: %v", delivered)
	}
	for _, ts := range delivered[:firstData] {
		// everything before the keyframe must be header data (ts 0).
		if ts != 0 {
			t.Fatalf("non-header, non-keyframe frame delivered before keyframe: ts=%d in %v", ts, delivered)
		}
	}
}

func TestBackpressureResume(t *testing.T) {
	e := newTestEngine(10_000)

	for ts := uint32(0); ts < 6; ts++ {
		key := ts == 0
		if _, err := e.Cache(Video, ts, nil, nil, false, key, nil); err != nil {
			t.Fatalf("cache ts=%d: %v", ts, err)
		}
	}

	sub := e.Subscribe("viewer-1", 4) // capacity 4: holds at most 3

	if sub.Out.Occupancy() == 0 {
		t.Fatalf("expected some frames linked before backpressure")
	}
	if !sub.Out.Full() {
		t.Fatalf("expected queue to be reported full after initial catch-up burst")
	}

	linkedBefore := sub.Out.Occupancy()
	sub.Out.Pop()
	sub.Out.Pop()

	if err := e.Redeliver("viewer-1"); err != nil && !IsBackpressure(err) {
		t.Fatalf("redeliver: %v", err)
	}
	if sub.Out.Occupancy() <= linkedBefore-2 {
		t.Fatalf("redeliver should have linked more frames after drain, occupancy=%d", sub.Out.Occupancy())
	}
}

func TestDeclinedWhenCachingDisabled(t *testing.T) {
	e := newTestEngine(0)
	_, err := e.Cache(Video, 0, nil, nil, false, true, nil)
	if !IsDeclined(err) {
		t.Fatalf("expected declined error when cache_time is 0, got %v", err)
	}
}

func TestEngineCloseRunsHooksInOrder(t *testing.T) {
	e := newTestEngine(1000)
	e.Cache(Video, 0, nil, nil, false, true, nil)

	var order []string
	e.OnClose(func(key string) { order = append(order, "first:"+key) })
	e.OnClose(func(key string) { order = append(order, "second:"+key) })

	e.Close("stream-a")

	if len(order) != 2 || order[0] != "first:stream-a" || order[1] != "second:stream-a" {
		t.Fatalf("close hooks ran out of order: %v", order)
	}
}
