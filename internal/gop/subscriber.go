package gop

// State is the per-subscriber playback-cursor state machine variable.
type State uint8

const (
	// Pending is the initial state: header negotiation has not yet
	// succeeded.
	Pending State = iota
	// Catching replays the publisher's cache from the subscriber's
	// cursor until it catches up to the cache_time window.
	Catching
	// Live forwards exactly one frame per publisher admission.
	Live
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Catching:
		return "catching"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// Subscriber is one viewer's GOP context: its playback cursor into the
// publisher's ring, its outbound queue, and the codec-header/metadata
// versions it has already received.
type Subscriber struct {
	Out *OutboundQueue

	state           State
	gopPos          int
	firstTimestamp  uint32
	haveFirstTS     bool
	metaVersion     uint64
	aacVersion      uint64
	haveAACVersion  bool
	avcVersion      uint64
	haveAVCVersion  bool
}

// NewSubscriber creates a subscriber GOP context with the given outbound
// queue capacity. The capacity could be shared with the publisher ring's;
// this repository keeps one capacity per session instead.
func NewSubscriber(arena *Arena, capacity int) *Subscriber {
	return &Subscriber{
		Out:   NewOutboundQueue(arena, capacity),
		state: Pending,
	}
}

// State returns the subscriber's current fan-out state, mainly for tests
// and metrics.
func (s *Subscriber) State() State { return s.state }

// CodecState is the external collaborator exposing the current metadata
// frame and its monotone version.
type CodecState interface {
	Meta() (*Frame, uint64)
}

// syncHeaders guarantees the subscriber is current with respect to
// metadata, audio codec header, and video codec header, in that order,
// aborting at the first backpressure.
func syncHeaders(pub *Publisher, sub *Subscriber, codec CodecState) error {
	if codec != nil {
		meta, version := codec.Meta()
		if meta != nil && sub.metaVersion != version {
			if err := sub.Out.Link(meta); err != nil {
				return err
			}
			sub.metaVersion = version
		}
	}

	if aac, version := pub.AACHeader(); aac != nil && (!sub.haveAACVersion || sub.aacVersion != version) {
		if err := sub.Out.Link(aac); err != nil {
			return err
		}
		sub.aacVersion = version
		sub.haveAACVersion = true
	}

	if avc, version := pub.AVCHeader(); avc != nil && (!sub.haveAVCVersion || sub.avcVersion != version) {
		if err := sub.Out.Link(avc); err != nil {
			return err
		}
		sub.avcVersion = version
		sub.haveAVCVersion = true
	}

	return nil
}

// Deliver advances the subscriber's fan-out state machine by one call.
// newest is the frame most recently admitted to the publisher's cache
// (ignored in Pending/Catching); it drives the Live state's
// one-frame-per-admission forwarding and keyframe resync.
//
// The caller is expected to drain sub.Out (e.g. via OutboundQueue.Drain)
// after each successful or backpressured call, acting as the "kick" —
// the only yield point in this core.
func (s *Subscriber) Deliver(pub *Publisher, codec CodecState, cacheTimeMS uint32, newest *Frame) error {
	switch s.state {
	case Pending:
		return s.deliverPending(pub, codec, cacheTimeMS)
	case Catching:
		return s.deliverCatching(pub, cacheTimeMS)
	default:
		return s.deliverLive(pub, codec, newest)
	}
}

func (s *Subscriber) deliverPending(pub *Publisher, codec CodecState, cacheTimeMS uint32) error {
	if err := syncHeaders(pub, s, codec); err != nil {
		return err
	}

	s.gopPos = pub.GopPos()
	if pub.Empty() {
		return backpressure("deliver")
	}
	first := pub.At(s.gopPos)
	if first == nil {
		return backpressure("deliver")
	}
	s.firstTimestamp = first.Timestamp
	s.haveFirstTS = true
	s.state = Catching
	return s.deliverCatching(pub, cacheTimeMS)
}

func (s *Subscriber) deliverCatching(pub *Publisher, cacheTimeMS uint32) error {
	if pub.At(s.gopPos) == nil {
		s.gopPos = pub.GopPos()
	}

	for {
		if s.gopPos == pub.GopLast() {
			break
		}
		frame := pub.At(s.gopPos)
		if frame == nil {
			break
		}
		if frame.Timestamp-s.firstTimestamp >= cacheTimeMS {
			s.state = Live
			break
		}
		if err := s.Out.Link(frame); err != nil {
			break
		}
		s.gopPos++
	}

	if s.state != Live {
		return backpressure("deliver")
	}
	return nil
}

func (s *Subscriber) deliverLive(pub *Publisher, codec CodecState, newest *Frame) error {
	if err := syncHeaders(pub, s, codec); err != nil {
		return err
	}

	if newest != nil && newest.IsKeyframe && !newest.IsAVHeader {
		s.gopPos = pub.GopLast() - 1
	} else if pub.At(s.gopPos) == nil {
		s.gopPos = pub.GopPos()
	}

	frame := pub.At(s.gopPos)
	if err := s.Out.Link(frame); err != nil {
		return err
	}
	s.gopPos++
	return nil
}

// Close is a no-op for cache-frame ownership: a subscriber never owns
// publisher-cached frames (the publisher does), so there is nothing to
// release here beyond what the session layer already drains from Out.
func (s *Subscriber) Close() {}
