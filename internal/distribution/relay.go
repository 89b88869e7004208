package distribution

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"
	"github.com/kelvinstream/relay/internal/demux"
	"github.com/kelvinstream/relay/internal/gop"
	"github.com/kelvinstream/relay/internal/media"
	"github.com/kelvinstream/relay/internal/moq"
)

// Viewer is the interface that a viewer session (single or mux) must implement
// to receive frames from a Relay.
type Viewer interface {
	ID() string
	SendVideo(frame *media.VideoFrame)
	SendAudio(frame *media.AudioFrame)
	SendCaptions(frame *ccx.CaptionFrame)
	SendSCTE35(event demux.SCTE35Event)
	Stats() ViewerStats
}

// VideoInfo holds the video codec string, resolution, and decoder configuration
// record. Sent to viewers during connection setup so they can configure their
// WebCodecs decoders immediately without waiting for the first keyframe.
type VideoInfo struct {
	Codec         string
	Width         int
	Height        int
	DecoderConfig []byte // AVCDecoderConfigurationRecord or HEVCDecoderConfigurationRecord
}

// AudioInfo holds the audio codec parameters for a single track, derived
// from the first ADTS frame seen by the demuxer.
type AudioInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}

// defaultCacheTimeMS is the cache_time used when a Relay is built with
// NewRelay rather than an explicit value from CACHE_TIME_MS. No default
// is mandated upstream, so this repository picks one long enough to
// cover a couple of seconds of GOPs at typical keyframe intervals.
const defaultCacheTimeMS = 4000

// gopCapacity bounds the GOP cache ring independent of cache_time: a
// capacity limit guards against an unbounded ring when a publisher never
// keyframes or cache_time is set very high.
const gopCapacity = 512

// Relay is the fan-out hub for a single stream. It distributes video, audio,
// and caption frames from the pipeline to all connected MoQ viewers, using a
// gop.Engine to cache the current GOP window so that late-joining viewers
// can start playback immediately from a decodable prefix, and so that
// codec headers survive eviction for everyone already subscribed.
type Relay struct {
	log             *slog.Logger
	mu              sync.RWMutex
	sessions        map[string]Viewer
	audioTrackCount int
	videoInfo       VideoInfo
	videoInfoSet    bool
	videoInfoReady  chan struct{}
	audioInfo       AudioInfo
	audioInfoSet    bool

	// lastVideoTSMS tracks the most recently broadcast video timestamp so
	// SCTE-35 splice events, which rarely carry a usable PTS of their own,
	// can be cached on the same millisecond timeline the GOP cache's
	// eviction rules already compare against.
	lastVideoTSMS atomic.Uint32

	engine *gop.Engine
}

// NewRelay creates a Relay with no viewers, using defaultCacheTimeMS.
func NewRelay() *Relay {
	return NewRelayWithCacheTime(defaultCacheTimeMS)
}

// NewRelayWithCacheTime creates a Relay whose GOP cache spans cacheTimeMS
// milliseconds (the cache_time directive). A value of 0 disables caching:
// BroadcastVideo/BroadcastAudio still fan out live frames, but
// late-joining viewers get nothing to replay.
func NewRelayWithCacheTime(cacheTimeMS uint32) *Relay {
	return NewRelayWithConfig(cacheTimeMS, 0)
}

// NewRelayWithConfig creates a Relay with both the cache_time and the
// forward-compatible latency_time directives. latencyTimeMS is threaded
// through to the gop.Engine unused by this core, matching the way the
// engine itself accepts and stores it.
func NewRelayWithConfig(cacheTimeMS, latencyTimeMS uint32) *Relay {
	r := &Relay{
		log:            slog.With("component", "relay"),
		sessions:       make(map[string]Viewer),
		videoInfoReady: make(chan struct{}),
	}
	r.engine = gop.NewEngine(gop.Config{
		CacheTimeMS:   cacheTimeMS,
		LatencyTimeMS: latencyTimeMS,
		CacheCapacity: gopCapacity,
	}, r.log)
	return r
}

// SetVideoInfo stores the video codec parameters detected from the first
// keyframe. Called by the pipeline once SPS parsing succeeds. The first
// time a non-empty decoder configuration record arrives, it is also
// pushed into the GOP cache as a synthetic AV-header frame so avc_header
// latching has real content: this MPEG-TS pipeline has no standalone
// sequence-header message the way RTMP does.
func (r *Relay) SetVideoInfo(info VideoInfo) {
	r.mu.Lock()
	alreadySet := r.videoInfoSet
	if !alreadySet {
		r.videoInfo = info
		r.videoInfoSet = true
		close(r.videoInfoReady)
	}
	r.mu.Unlock()

	if alreadySet {
		return
	}

	r.log.Debug("video info set",
		"codec", info.Codec,
		"width", info.Width,
		"height", info.Height,
		"decoderConfigLen", len(info.DecoderConfig))

	if len(info.DecoderConfig) > 0 {
		header := &media.VideoFrame{WireData: info.DecoderConfig}
		if _, err := r.engine.Cache(gop.Video, 0, info.DecoderConfig, header, true, false, r.afterDeliver); err != nil && !gop.IsBackpressure(err) {
			r.log.Error("avc header cache push failed", "error", err)
		}
	}
}

// SetAudioTrackCount sets the number of audio tracks discovered by the demuxer,
// used to advertise available tracks during viewer connection setup.
func (r *Relay) SetAudioTrackCount(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioTrackCount = count
	if count == 0 {
		r.audioTrackCount = 1
	}
}

// AudioTrackCount returns the number of audio tracks, defaulting to 1.
func (r *Relay) AudioTrackCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.audioTrackCount == 0 {
		return 1
	}
	return r.audioTrackCount
}

// SetAudioInfo stores the audio codec parameters detected from the first
// audio frame. Called by the pipeline once ADTS header parsing succeeds.
func (r *Relay) SetAudioInfo(info AudioInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.audioInfoSet {
		r.audioInfo = info
		r.audioInfoSet = true
		r.log.Debug("audio info set",
			"codec", info.Codec,
			"sampleRate", info.SampleRate,
			"channels", info.Channels)
	}
}

// AudioInfo returns the detected audio codec parameters, or sensible
// defaults if no audio frame has been seen yet.
func (r *Relay) AudioInfo() AudioInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.audioInfoSet {
		return r.audioInfo
	}
	return AudioInfo{Codec: "mp4a.40.02", SampleRate: 48000, Channels: 2}
}

// viewerQueueCapacity is the outbound ring size given to each viewer's
// gop.Subscriber. It only needs to hold the catch-up burst plus a
// handful of live frames between drains; the real backpressure surface
// for a slow viewer is the per-track channel in MoQSession (trySendVideo
// in session_helpers.go), not this ring.
const viewerQueueCapacity = 256

// AddViewer subscribes the viewer to the GOP cache and drains its
// catch-up burst (header negotiation plus decodable prefix) into the
// session before registering it for ongoing live delivery.
func (r *Relay) AddViewer(session Viewer) {
	sub := r.engine.Subscribe(session.ID(), viewerQueueCapacity)
	drainSubscriber(sub, session)

	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()

	// Flush anything a concurrent Broadcast* call linked into sub.Out
	// between the drain above and the registration just completed.
	drainSubscriber(sub, session)

	r.log.Info("viewer added", "session", session.ID(), "viewers", r.ViewerCount())
}

// RemoveViewer unregisters a viewer by ID and releases its subscriber
// context.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.engine.Unsubscribe(id)

	r.log.Info("viewer removed", "session", id, "viewers", r.ViewerCount())
}

// afterDeliver is the gop.Engine "kick" callback: it drains id's
// subscriber queue into the matching registered session, if any. A
// subscriber with no matching session yet (the race window inside
// AddViewer, between Subscribe and registration) is left queued; the
// next afterDeliver call or AddViewer's own post-registration drain
// picks it up.
func (r *Relay) afterDeliver(id string, sub *gop.Subscriber) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		drainSubscriber(sub, session)
	}
}

// VideoInfo returns the detected video codec and resolution, or sensible
// defaults if the first keyframe hasn't arrived yet.
func (r *Relay) VideoInfo() VideoInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.videoInfoSet {
		return r.videoInfo
	}
	return VideoInfo{Codec: "avc1.42E01E", Width: 1920, Height: 1080}
}

// WaitVideoInfo blocks until the real video codec info is available, or until
// ctx is cancelled. Returns true if info is ready.
func (r *Relay) WaitVideoInfo(ctx context.Context) bool {
	r.mu.RLock()
	if r.videoInfoSet {
		r.mu.RUnlock()
		return true
	}
	r.mu.RUnlock()

	select {
	case <-r.videoInfoReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// BroadcastVideo admits a video frame into the GOP cache and fans it out
// to every current subscriber via the engine's afterDeliver kick. Codec
// detection is handled by the pipeline via SetVideoInfo.
func (r *Relay) BroadcastVideo(frame *media.VideoFrame) {
	// Pre-compute AVC1 (length-prefixed) wire data once so all viewers share the same bytes.
	if frame.WireData == nil {
		frame.WireData = moq.AnnexBToAVC1(frame.NALUs)
	}

	kind, ts, payload, isAVHeader, isKeyframe := videoToFrame(frame)
	r.lastVideoTSMS.Store(ts)
	if _, err := r.engine.Cache(kind, ts, payload, frame, isAVHeader, isKeyframe, r.afterDeliver); err != nil && !gop.IsBackpressure(err) {
		r.log.Error("video cache push failed", "error", err)
	}
}

// ReplayFullGOPToChannel sends the entire currently cached GOP (keyframe +
// all delta frames, in order) into a channel, bypassing the Viewer
// interface and the per-session subscriber queue. The client-side renderer
// skips to the latest decoded frame, so replaying the full GOP provides
// immediate decodable content at the live edge. Returns the number of
// frames replayed.
func (r *Relay) ReplayFullGOPToChannel(ch chan<- *media.VideoFrame) int {
	return replayVideoSnapshot(r.engine, ch)
}

// BroadcastAudio admits an audio frame into the shared GOP cache and fans
// it out to every current subscriber via the engine's afterDeliver kick.
func (r *Relay) BroadcastAudio(frame *media.AudioFrame) {
	kind, ts, payload, isAVHeader, isKeyframe := audioToFrame(frame)
	if _, err := r.engine.Cache(kind, ts, payload, frame, isAVHeader, isKeyframe, r.afterDeliver); err != nil && !gop.IsBackpressure(err) {
		r.log.Error("audio cache push failed", "error", err)
	}
}

// ReplayAudioToChannel sends the cached audio frames for the given track
// index into a channel, pre-filling the subscriber's buffer so playback
// can start without waiting for new frames from the live edge. Returns
// the number of frames replayed.
func (r *Relay) ReplayAudioToChannel(trackIndex int, ch chan<- *media.AudioFrame) int {
	return replayAudioSnapshot(r.engine, trackIndex, ch)
}

// BroadcastSCTE35 admits a parsed SCTE-35 splice event into the GOP cache
// as a Metadata frame, stamped with the current video timeline, and fans
// it out to every subscriber via the engine's afterDeliver kick. Routing
// splice markers through the same cache as video and audio means a
// late-joining viewer whose catch-up window still covers the event gets
// it alongside the GOP it annotates, instead of only through the
// stream-stats overlay.
func (r *Relay) BroadcastSCTE35(event demux.SCTE35Event) {
	kind, payload, isAVHeader, isKeyframe := scte35ToFrame(event)
	ts := r.lastVideoTSMS.Load()
	if _, err := r.engine.Cache(kind, ts, payload, event, isAVHeader, isKeyframe, r.afterDeliver); err != nil && !gop.IsBackpressure(err) {
		r.log.Error("scte35 cache push failed", "error", err)
	}
}

// BroadcastCaptions sends a caption frame to all connected viewers.
func (r *Relay) BroadcastCaptions(frame *ccx.CaptionFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.sessions {
		session.SendCaptions(frame)
	}
}

// ViewerCount returns the number of currently connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ViewerStatsAll returns delivery metrics for every connected viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}
