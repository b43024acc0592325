// Package transport adapts client connections to broadcast sinks.
//
// HTTPSink streams raw audio over a hijacked HTTP connection, WSSink sends each
// chunk as a binary WebSocket message, and AlignFrames holds back the leading
// bytes of a stream until the first MPEG audio frame header so players do not
// start decoding mid-frame.
package transport
