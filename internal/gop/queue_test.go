package gop

import "testing"

func TestOutboundQueueLinkNilIsNoop(t *testing.T) {
	arena := NewArena()
	q := NewOutboundQueue(arena, 4)
	if err := q.Link(nil); err != nil {
		t.Fatalf("linking nil frame should succeed, got %v", err)
	}
	if q.Occupancy() != 0 {
		t.Fatalf("occupancy = %d, want 0", q.Occupancy())
	}
}

func TestOutboundQueueBackpressure(t *testing.T) {
	arena := NewArena()
	q := NewOutboundQueue(arena, 4) // one slot reserved: holds at most 3

	for i := 0; i < 3; i++ {
		f := arena.New(Video, uint32(i), nil, nil, false, false)
		if err := q.Link(f); err != nil {
			t.Fatalf("link %d: unexpected error %v", i, err)
		}
	}

	f := arena.New(Video, 99, nil, nil, false, false)
	err := q.Link(f)
	if !IsBackpressure(err) {
		t.Fatalf("expected backpressure on 4th link, got %v", err)
	}
}

func TestOutboundQueueDrainFIFO(t *testing.T) {
	arena := NewArena()
	q := NewOutboundQueue(arena, 8)

	for i := 0; i < 5; i++ {
		f := arena.New(Video, uint32(i), nil, nil, false, false)
		if err := q.Link(f); err != nil {
			t.Fatalf("link %d: %v", i, err)
		}
	}

	var seen []uint32
	q.Drain(func(f *Frame) { seen = append(seen, f.Timestamp) })

	for i, ts := range seen {
		if ts != uint32(i) {
			t.Fatalf("drain order = %v, want ascending from 0", seen)
		}
	}
	if q.Occupancy() != 0 {
		t.Fatalf("occupancy after drain = %d, want 0", q.Occupancy())
	}
}

func TestOutboundQueueResumeAfterDrain(t *testing.T) {
	arena := NewArena()
	q := NewOutboundQueue(arena, 4)

	for i := 0; i < 3; i++ {
		q.Link(arena.New(Video, uint32(i), nil, nil, false, false))
	}
	if !q.Full() {
		t.Fatalf("queue should report full at capacity-1 occupancy")
	}

	q.Pop()
	q.Pop()

	if err := q.Link(arena.New(Video, 3, nil, nil, false, false)); err != nil {
		t.Fatalf("link after drain should succeed, got %v", err)
	}
}
