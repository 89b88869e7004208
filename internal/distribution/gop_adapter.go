package distribution

import (
	"encoding/json"

	"github.com/kelvinstream/relay/internal/demux"
	"github.com/kelvinstream/relay/internal/gop"
	"github.com/kelvinstream/relay/internal/media"
)

// videoToFrame adapts a demuxed video frame into the GOP cache's unified
// Frame representation. frame.PTS is microseconds (see demux/mpegts.go's
// 90kHz-to-microsecond conversion); the GOP cache's cache_time directive
// is specified in milliseconds, so the timestamp is rescaled here.
// isAVHeader is always false here: this pipeline has no standalone AVC
// sequence-header message the way RTMP does, so decoder configuration is
// injected separately as a synthetic header frame (see Relay.SetVideoInfo)
// the first time it becomes known.
func videoToFrame(frame *media.VideoFrame) (kind gop.Kind, timestamp uint32, payload []byte, isAVHeader, isKeyframe bool) {
	return gop.Video, uint32(frame.PTS / 1000), frame.WireData, false, frame.IsKeyframe
}

// audioToFrame adapts a demuxed audio frame. ADTS frames are
// self-describing (each carries its own header), so there is no
// standalone AAC sequence header to classify here either.
func audioToFrame(frame *media.AudioFrame) (kind gop.Kind, timestamp uint32, payload []byte, isAVHeader, isKeyframe bool) {
	return gop.Audio, uint32(frame.PTS / 1000), frame.Data, false, false
}

// scte35ToFrame adapts a parsed SCTE-35 splice event into the GOP cache's
// Frame representation as a Metadata-kind frame. The JSON encoding is the
// wire payload a viewer's SCTE-35 track receives; the event value itself
// travels in Native so drainSubscriber can forward the original struct
// without re-decoding it.
func scte35ToFrame(event demux.SCTE35Event) (kind gop.Kind, payload []byte, isAVHeader, isKeyframe bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		payload = nil
	}
	return gop.Metadata, payload, false, false
}

// replayVideoSnapshot pushes every video frame currently in the cache
// into ch, oldest first, stopping (without blocking) once ch has no more
// room. It returns the number of frames written.
func replayVideoSnapshot(e *gop.Engine, ch chan<- *media.VideoFrame) int {
	replayed := 0
	e.Snapshot(func(f *gop.Frame) {
		if f.Kind != gop.Video || f.IsAVHeader {
			return
		}
		vf, ok := f.Native.(*media.VideoFrame)
		if !ok {
			return
		}
		select {
		case ch <- vf:
			replayed++
		default:
		}
	})
	return replayed
}

// replayAudioSnapshot is replayVideoSnapshot's audio counterpart, filtered
// to a single track index.
func replayAudioSnapshot(e *gop.Engine, trackIndex int, ch chan<- *media.AudioFrame) int {
	replayed := 0
	e.Snapshot(func(f *gop.Frame) {
		if f.Kind != gop.Audio {
			return
		}
		af, ok := f.Native.(*media.AudioFrame)
		if !ok || af.TrackIndex != trackIndex {
			return
		}
		select {
		case ch <- af:
			replayed++
		default:
		}
	})
	return replayed
}

// drainSubscriber forwards everything currently linked into sub's
// outbound queue to session, acting as the "kick": the point where a
// fan-out decision becomes an actual send. Frame.Native round-trips the
// original *media.VideoFrame / *media.AudioFrame / demux.SCTE35Event so
// no re-parsing or re-serialization happens here.
//
// AV-header frames are deliberately not forwarded: this transport already
// carries decoder configuration through the catalog and through the SPS/PPS
// embedded in each keyframe object (see moqWriter.WriteVideoFrame), so the
// synthetic header Relay.SetVideoInfo latches into the cache exists only to
// drive avc_header versioning, not to be sent as a frame of its own.
func drainSubscriber(sub *gop.Subscriber, session Viewer) {
	sub.Out.Drain(func(f *gop.Frame) {
		if f.IsAVHeader {
			return
		}
		switch f.Kind {
		case gop.Video:
			if vf, ok := f.Native.(*media.VideoFrame); ok {
				session.SendVideo(vf)
			}
		case gop.Audio:
			if af, ok := f.Native.(*media.AudioFrame); ok {
				session.SendAudio(af)
			}
		case gop.Metadata:
			if event, ok := f.Native.(demux.SCTE35Event); ok {
				session.SendSCTE35(event)
			}
		}
	})
}
