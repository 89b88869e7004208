package gop

import "testing"

// Keyframeless video prefix is discarded until the first keyframe arrives.
func TestCachePushDiscardsKeyframelessPrefix(t *testing.T) {
	arena := NewArena()
	p := NewPublisher(arena, 16, 1000)

	p.CachePush(arena.New(Video, 0, nil, nil, false, false))
	p.CachePush(arena.New(Video, 33, nil, nil, false, false))
	if !p.Empty() {
		t.Fatalf("cache should remain empty before any keyframe arrives")
	}

	p.CachePush(arena.New(Video, 66, nil, nil, false, true))
	if p.Empty() {
		t.Fatalf("cache should hold the keyframe once it arrives")
	}
	if got := p.GopPos(); got != 0 {
		t.Fatalf("gop_pos = %d, want 0", got)
	}
	f := p.At(p.GopPos())
	if f.Timestamp != 66 || !f.IsKeyframe {
		t.Fatalf("unexpected frame at gop_pos: %+v", f)
	}
}

// A single GOP is never evicted even when held well beyond cache_time.
func TestSingleGOPNeverEvicted(t *testing.T) {
	arena := NewArena()
	p := NewPublisher(arena, 256, 1000)

	p.CachePush(arena.New(Video, 0, nil, nil, false, true))
	for ts := uint32(20); ts <= 5000; ts += 20 {
		kind := Video
		if ts%100 == 20 {
			kind = Audio
		}
		p.CachePush(arena.New(kind, ts, nil, nil, false, false))
	}

	if p.GopPos() != 0 {
		t.Fatalf("gop_pos moved away from the sole GOP's start: %d", p.GopPos())
	}
	first := p.At(p.GopPos())
	if first.Timestamp != 0 {
		t.Fatalf("oldest cached frame ts = %d, want 0", first.Timestamp)
	}
}

// Two-GOP eviction: the leading GOP drops once the next one ages past cache_time.
func TestMultiGOPEviction(t *testing.T) {
	arena := NewArena()
	p := NewPublisher(arena, 4096, 1000)

	p.CachePush(arena.New(Video, 0, nil, nil, false, true))
	for ts := uint32(33); ts < 1000; ts += 33 {
		p.CachePush(arena.New(Video, ts, nil, nil, false, false))
	}
	p.CachePush(arena.New(Video, 1000, nil, nil, false, true)) // second keyframe

	p.CachePush(arena.New(Video, 1033, nil, nil, false, false))
	if first := p.At(p.GopPos()); first.Timestamp != 0 {
		t.Fatalf("first GOP dropped too early: gop_pos frame ts = %d", first.Timestamp)
	}

	p.CachePush(arena.New(Video, 2000, nil, nil, false, false))
	first := p.At(p.GopPos())
	if first.Timestamp != 1000 {
		t.Fatalf("expected first GOP dropped once span >= cache_time, gop_pos frame ts = %d", first.Timestamp)
	}
}

// Codec header survival across eviction.
func TestCodecHeaderSurvivesEviction(t *testing.T) {
	arena := NewArena()
	p := NewPublisher(arena, 4096, 1000)

	p.CachePush(arena.New(Video, 0, []byte("avc-header-1"), nil, true, false))
	p.CachePush(arena.New(Video, 1, nil, nil, false, true))
	for ts := uint32(33); ts < 1000; ts += 33 {
		p.CachePush(arena.New(Video, ts, nil, nil, false, false))
	}
	p.CachePush(arena.New(Video, 1000, nil, nil, false, true))
	p.CachePush(arena.New(Video, 2000, nil, nil, false, false))

	avc, version := p.AVCHeader()
	if avc == nil {
		t.Fatalf("expected avc_header to survive GOP eviction via relatch")
	}
	if string(avc.Payload) != "avc-header-1" {
		t.Fatalf("avc_header payload = %q, want avc-header-1", avc.Payload)
	}
	if version == 0 {
		t.Fatalf("avc version should have bumped on relatch")
	}
}

func TestCachePushBackpressureWhenRingFull(t *testing.T) {
	arena := NewArena()
	p := NewPublisher(arena, 3, 1_000_000) // huge cache_time: nothing evicts

	p.CachePush(arena.New(Video, 0, nil, nil, false, true))
	if err := p.CachePush(arena.New(Video, 1, nil, nil, false, false)); err != nil {
		t.Fatalf("unexpected error filling cache: %v", err)
	}
	if err := p.CachePush(arena.New(Video, 2, nil, nil, false, false)); !IsBackpressure(err) {
		t.Fatalf("expected backpressure once ring nears capacity, got %v", err)
	}
}
