// Package gop implements the publisher-side GOP (group-of-pictures) cache
// and the per-subscriber fan-out state machine that lets a late-joining
// viewer start playback at a decodable point instead of waiting for the
// next keyframe.
//
// The core is agnostic to wire format: callers classify frames (codec
// header vs keyframe vs ordinary) before handing them to the cache, and
// drain each subscriber's outbound queue however their transport needs
// to. internal/distribution's Relay is the only caller today.
package gop

import "sync"

// Kind identifies the payload category of a Frame. Only Audio and Video
// frames are classified (is_av_header, is_keyframe); Metadata and Other
// frames always carry zero-value flags.
type Kind uint8

const (
	Audio Kind = iota
	Video
	Metadata
	Other
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Metadata:
		return "metadata"
	default:
		return "other"
	}
}

// Frame is an immutable, reference-counted unit of cached media. Once
// returned by Arena.New, none of its fields change; callers that need a
// different classification must construct a new Frame.
//
// Native carries the original wire-level representation (e.g. a
// *media.VideoFrame) so the caller can recover it after the frame comes
// back out of an OutboundQueue without re-parsing anything.
type Frame struct {
	Kind      Kind
	Timestamp uint32 // milliseconds, monotone within one publishing session
	Payload   []byte
	Native    any

	// IsAVHeader is true when Payload is a codec initialization sequence
	// (e.g. AVCDecoderConfigurationRecord, AudioSpecificConfig).
	IsAVHeader bool
	// IsKeyframe is true only for Video frames carrying an intra-coded
	// picture.
	IsKeyframe bool
	// Mandatory mirrors IsAVHeader: codec headers must always reach a
	// subscriber regardless of catch-up window, named separately because
	// the two concepts diverge if a future frame kind needs a different
	// notion of "must deliver".
	Mandatory bool

	refcount int32
	mu       sync.Mutex
}

// classify derives IsAVHeader, IsKeyframe and Mandatory from the supplied
// predicates. Called exactly once, at construction; Frame has no exported
// mutator so re-classification is impossible by construction rather than
// by convention.
func classify(kind Kind, isAVHeader, isKeyframe bool) (avHeader, keyframe, mandatory bool) {
	if kind != Audio && kind != Video {
		return false, false, false
	}
	avHeader = isAVHeader
	keyframe = kind == Video && isKeyframe
	mandatory = avHeader
	return
}

// Arena hands out Frame values and tracks their reference counts. The
// zero value is ready to use; a *sync.Pool backs frame allocation so the
// steady-state cache/fan-out path does not allocate on the hot path.
type Arena struct {
	pool sync.Pool
}

// NewArena returns a ready-to-use Arena.
func NewArena() *Arena {
	a := &Arena{}
	a.pool.New = func() any { return new(Frame) }
	return a
}

// New builds a Frame with refcount 1 (the caller's own reference),
// running classification once. isAVHeader and isKeyframe are supplied by
// the caller because codec-payload inspection is an external collaborator,
// not something this package parses itself.
func (a *Arena) New(kind Kind, timestamp uint32, payload []byte, native any, isAVHeader, isKeyframe bool) *Frame {
	f := a.pool.Get().(*Frame)
	avHeader, keyframe, mandatory := classify(kind, isAVHeader, isKeyframe)
	f.Kind = kind
	f.Timestamp = timestamp
	f.Payload = payload
	f.Native = native
	f.IsAVHeader = avHeader
	f.IsKeyframe = keyframe
	f.Mandatory = mandatory
	f.refcount = 1
	return f
}

// Acquire increments frame's refcount on behalf of a new owner (e.g. the
// cache ring or an outbound queue slot). f must not be nil.
func (a *Arena) Acquire(f *Frame) {
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
}

// Release decrements frame's refcount, returning it to the pool once it
// reaches zero. f must not be nil and must not be used again by the
// caller after Release returns.
func (a *Arena) Release(f *Frame) {
	f.mu.Lock()
	f.refcount--
	zero := f.refcount == 0
	f.mu.Unlock()
	if zero {
		f.Payload = nil
		f.Native = nil
		a.pool.Put(f)
	}
}

// Refcount returns the current reference count, for tests and leak
// checks (property P6).
func (f *Frame) Refcount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refcount
}
