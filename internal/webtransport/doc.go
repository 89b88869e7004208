// Package webtransport re-exports the quic-go/webtransport-go types this
// repository's distribution layer builds on, so the rest of the codebase
// depends on a repo-local import path rather than the upstream module
// directly. It handles the WebTransport upgrade handshake, session
// management, and bidirectional/unidirectional stream multiplexing over
// QUIC via HTTP/3.
package webtransport

import (
	wt "github.com/quic-go/webtransport-go"
)

// Server accepts WebTransport sessions over an embedded HTTP/3 server.
type Server = wt.Server

// Session is an established WebTransport session, used to open and
// accept bidirectional and unidirectional streams.
type Session = wt.Session

// Stream is a bidirectional WebTransport stream.
type Stream = wt.Stream

// SendStream is a unidirectional, send-only WebTransport stream.
type SendStream = wt.SendStream

// ReceiveStream is a unidirectional, receive-only WebTransport stream.
type ReceiveStream = wt.ReceiveStream

// SessionErrorCode is sent to the peer when a session is closed via
// CloseWithError.
type SessionErrorCode = wt.SessionErrorCode
