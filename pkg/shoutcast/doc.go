// Package shoutcast reads ICY/Shoutcast streams so an upstream station can be
// relayed as a broadcast source.
//
// Playlist URLs (.pls, .m3u) are resolved to the stream they point at,
// interleaved metadata blocks are stripped so Read returns audio bytes only,
// and changes of StreamTitle are reported through MetadataCallbackFunc.
package shoutcast
