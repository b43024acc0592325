package shoutcast

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const userAgent = "iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5"

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Stream represents an open shoutcast stream.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// ContentType of the audio, e.g. audio/mpeg
	ContentType string

	// Optional function to be executed when stream metadata changes. It runs
	// on the goroutine calling Read.
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block, zero when
	// the server sends no metadata
	metaint int

	// Stream metadata
	metadata *Metadata

	// The number of audio bytes read since the last metadata block
	pos int

	logger *slog.Logger

	// The underlying data stream
	rc io.ReadCloser
}

func newClient() *http.Client {
	// Only establishing the connection is bounded; the body is read for as
	// long as the stream lasts.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Open establishes a connection to a remote server. Playlist URLs are
// resolved to the stream they reference. Cancelling ctx ends the stream.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Stream, error) {
	logger.Info("opening stream", "url", url)

	resolvedURL, err := resolvePlaylistURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist URL: %w", err)
	}
	if resolvedURL != url {
		logger.Info("resolved playlist to stream", "url", resolvedURL)
		url = resolvedURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)
	req.Header.Add("icy-metadata", "1")

	resp, err := newClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	for k, v := range resp.Header {
		logger.Debug("stream header", "key", k, "value", v[0])
	}

	var bitrate int
	if rawBitrate := resp.Header.Get("icy-br"); rawBitrate != "" {
		bitrate, err = strconv.Atoi(rawBitrate)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("cannot parse bitrate: %w", err)
		}
	}

	var metaint int
	if rawMetaint := resp.Header.Get("icy-metaint"); rawMetaint != "" {
		metaint, err = strconv.Atoi(rawMetaint)
		if err != nil || metaint < 0 {
			resp.Body.Close()
			return nil, fmt.Errorf("cannot parse metaint %q", rawMetaint)
		}
	}

	s := &Stream{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		Bitrate:     bitrate,
		ContentType: resp.Header.Get("Content-Type"),
		metaint:     metaint,
		logger:      logger,
		rc:          resp.Body,
	}

	return s, nil
}

// Read implements io.Reader, returning audio bytes only. A single call never
// crosses a metadata boundary, so it may return fewer bytes than len(buf).
func (s *Stream) Read(buf []byte) (int, error) {
	if s.metaint == 0 {
		return s.rc.Read(buf)
	}

	if s.pos == s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
		s.pos = 0
	}

	if n := s.metaint - s.pos; len(buf) > n {
		buf = buf[:n]
	}
	n, err := s.rc.Read(buf)
	s.pos += n
	return n, err
}

// readMetadata consumes one metadata block: a length byte counting 16 byte
// units followed by the block itself.
func (s *Stream) readMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return err
	}

	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(s.rc, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if m := NewMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		s.logger.Debug("stream metadata changed", "title", m.StreamTitle)
		if s.MetadataCallbackFunc != nil {
			s.MetadataCallbackFunc(m)
		}
	}
	return nil
}

// Close closes the stream
func (s *Stream) Close() error {
	s.logger.Info("closing stream", "name", s.Name)
	return s.rc.Close()
}
