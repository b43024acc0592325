package shoutcast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// metaBlock encodes s as an ICY metadata block including its length byte.
func metaBlock(s string) []byte {
	units := (len(s) + 15) / 16
	block := make([]byte, 1+units*16)
	block[0] = byte(units)
	copy(block[1:], s)
	return block
}

func icyBody() ([]byte, []byte) {
	var body, audio bytes.Buffer
	parts := [][]byte{
		[]byte("aaaaaaaa"), metaBlock("StreamTitle='First';"),
		[]byte("bbbbbbbb"), {0},
		[]byte("cccccccc"), metaBlock("StreamTitle='Second Song';StreamUrl='http://example.com';"),
		[]byte("dddd"),
	}
	for i, p := range parts {
		body.Write(p)
		if i%2 == 0 {
			audio.Write(p)
		}
	}
	return body.Bytes(), audio.Bytes()
}

func newICYServer(t *testing.T) *httptest.Server {
	t.Helper()
	body, _ := icyBody()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("icy-metadata"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "8")
		w.Header().Set("icy-name", "Test FM")
		w.Header().Set("icy-genre", "ambient")
		w.Header().Set("icy-br", "128")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/list.pls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-scpls")
		fmt.Fprintf(w, "[playlist]\nNumberOfEntries=1\nFile1=http://%s/stream\nTitle1=Test\n", r.Host)
	})
	mux.HandleFunc("/list.m3u", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		fmt.Fprintf(w, "#EXTM3U\n#EXTINF:-1,Test\nhttp://%s/stream\n", r.Host)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_StripsMetadata(t *testing.T) {
	srv := newICYServer(t)

	s, err := Open(context.Background(), srv.URL+"/stream", testLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Test FM", s.Name)
	assert.Equal(t, "ambient", s.Genre)
	assert.Equal(t, 128, s.Bitrate)
	assert.Equal(t, "audio/mpeg", s.ContentType)

	var titles []string
	s.MetadataCallbackFunc = func(m *Metadata) {
		titles = append(titles, m.StreamTitle)
	}

	got, err := io.ReadAll(s)
	require.NoError(t, err)

	_, want := icyBody()
	assert.Equal(t, string(want), string(got))
	assert.Equal(t, []string{"First", "Second Song"}, titles)
}

func TestStream_SmallReads(t *testing.T) {
	srv := newICYServer(t)

	s, err := Open(context.Background(), srv.URL+"/stream", testLogger())
	require.NoError(t, err)
	defer s.Close()

	var got bytes.Buffer
	buf := make([]byte, 3)
	for {
		n, err := s.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	_, want := icyBody()
	assert.Equal(t, want, got.Bytes())
}

func TestOpen_ResolvesPlaylists(t *testing.T) {
	srv := newICYServer(t)

	for _, path := range []string{"/list.pls", "/list.m3u"} {
		t.Run(path, func(t *testing.T) {
			s, err := Open(context.Background(), srv.URL+path, testLogger())
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, "Test FM", s.Name)
		})
	}
}

func TestOpen_RejectsNonStream(t *testing.T) {
	srv := newICYServer(t)

	_, err := Open(context.Background(), srv.URL+"/page", testLogger())
	assert.ErrorContains(t, err, "does not appear to be a stream")

	_, err = Open(context.Background(), srv.URL+"/missing", testLogger())
	assert.Error(t, err)
}

func TestParsePLS(t *testing.T) {
	url, err := parsePLS(strings.NewReader("[playlist]\nFile1 = \nFile2=http://b/stream\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://b/stream", url)

	_, err = parsePLS(strings.NewReader("[playlist]\nTitle1=x\n"))
	assert.Error(t, err)
}

func TestParseM3U(t *testing.T) {
	url, err := parseM3U(strings.NewReader("#EXTM3U\n\n#EXTINF:-1,x\nhttps://a/live\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://a/live", url)

	_, err = parseM3U(strings.NewReader("#EXTM3U\nlocal.mp3\n"))
	assert.Error(t, err)
}

func TestNewMetadata(t *testing.T) {
	tests := []struct {
		in   string
		want Metadata
	}{
		{"StreamTitle='Artist - Song';\x00\x00\x00", Metadata{StreamTitle: "Artist - Song"}},
		{"StreamTitle='It's Here';StreamUrl='http://x';", Metadata{StreamTitle: "It's Here", StreamURL: "http://x"}},
		{"StreamTitle='';", Metadata{}},
		{"StreamTitle='Unterminated'", Metadata{StreamTitle: "Unterminated"}},
		{"garbage", Metadata{}},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, *NewMetadata([]byte(tc.in)), tc.in)
	}
}

func TestMetadataEquals(t *testing.T) {
	a := &Metadata{StreamTitle: "a"}
	assert.True(t, a.Equals(&Metadata{StreamTitle: "a"}))
	assert.False(t, a.Equals(&Metadata{StreamTitle: "b"}))
	assert.False(t, a.Equals(nil))

	var none *Metadata
	assert.True(t, none.Equals(nil))
}
