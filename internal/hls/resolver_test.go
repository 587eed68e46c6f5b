package hls

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/vodkeeper/internal/utils"
)

const masterPlaylist = `#EXTM3U
#EXT-X-TWITCH-INFO:ORIGIN="s3",B="false",REGION="EU"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="1080p60 (source)",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=8534030,RESOLUTION=1920x1080,CODECS="avc1.64002A,mp4a.40.2",VIDEO="chunked",FRAME-RATE=60.000
chunked/index-dvr.m3u8
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="720p60",NAME="720p60",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=3422999,RESOLUTION=1280x720,CODECS="avc1.4D401F,mp4a.40.2",VIDEO="720p60",FRAME-RATE=60.000
720p60/index-dvr.m3u8
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="160p30",NAME="160p",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=230000,RESOLUTION=284x160,CODECS="avc1.4D400C,mp4a.40.2",VIDEO="160p30",FRAME-RATE=30.000
https://cdn.example.com/160p30/index-dvr.m3u8
`

func mediaPlaylist(first, count int, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i < first+count; i++ {
		fmt.Fprintf(&b, "#EXTINF:10.000,\n%d.ts\n", i)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func testResolver() *Resolver {
	policy := utils.RetryPolicy{MaxAttempts: 3, Sleep: utils.NoSleep}
	r := NewResolver(http.DefaultClient, policy)
	r.MinPoll = time.Millisecond
	r.MaxPoll = time.Millisecond
	return r
}

func TestParseMaster(t *testing.T) {
	variants, err := ParseMaster([]byte(masterPlaylist), "https://vod.example.com/abc/index.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}
	if len(variants) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(variants))
	}
	if variants[0].Name != "chunked" {
		t.Errorf("first variant name = %q", variants[0].Name)
	}
	if got, want := variants[1].URL, "https://vod.example.com/abc/720p60/index-dvr.m3u8"; got != want {
		t.Errorf("relative url = %q, want %q", got, want)
	}
	if got, want := variants[2].URL, "https://cdn.example.com/160p30/index-dvr.m3u8"; got != want {
		t.Errorf("absolute url = %q, want %q", got, want)
	}
	if variants[0].Height() != 1080 {
		t.Errorf("height = %d", variants[0].Height())
	}
}

func TestSelectVariant(t *testing.T) {
	variants, err := ParseMaster([]byte(masterPlaylist), "https://vod.example.com/abc/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		quality string
		want    string
		wantErr bool
	}{
		{"", "chunked", false},
		{"best", "chunked", false},
		{"source", "chunked", false},
		{"worst", "160p30", false},
		{"720p60", "720p60", false},
		{"720P60", "720p60", false},
		{"160p", "160p30", false},
		{"720p", "720p60", false},
		{"1080", "chunked", false},
		{"480p", "", true},
		{"ultra", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.quality, func(t *testing.T) {
			got, err := SelectVariant(variants, tt.quality)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got.Name)
				}
				if !utils.IsKind(err, utils.KindManifestParse) {
					t.Errorf("error kind = %s", utils.KindOf(err))
				}
				if !strings.Contains(err.Error(), "720p60") {
					t.Errorf("error should list available qualities: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Name != tt.want {
				t.Errorf("got %q, want %q", got.Name, tt.want)
			}
		})
	}
}

func TestParseMedia(t *testing.T) {
	snap, err := ParseMedia([]byte(mediaPlaylist(5, 3, true)), "https://vod.example.com/abc/chunked/index-dvr.m3u8")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if !snap.Ended {
		t.Error("expected ended playlist")
	}
	if len(snap.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(snap.Segments))
	}
	for i, seg := range snap.Segments {
		if seg.Sequence != uint64(5+i) {
			t.Errorf("segment %d sequence = %d", i, seg.Sequence)
		}
		want := fmt.Sprintf("https://vod.example.com/abc/chunked/%d.ts", 5+i)
		if seg.URL != want {
			t.Errorf("segment %d url = %q, want %q", i, seg.URL, want)
		}
		if seg.Offset != -1 {
			t.Errorf("segment %d offset = %d", i, seg.Offset)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"html", "<html><body>nope</body></html>"},
		{"json", `{"error":"Forbidden"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseMedia([]byte(tt.body), "https://vod.example.com/index.m3u8")
			if err == nil {
				t.Fatal("expected error")
			}
			if snap != nil {
				t.Error("no partial snapshot should be returned")
			}
			if !utils.IsKind(err, utils.KindManifestParse) {
				t.Errorf("error kind = %s", utils.KindOf(err))
			}
		})
	}
}

func TestParseMediaRejectsMaster(t *testing.T) {
	if _, err := ParseMedia([]byte(masterPlaylist), "https://vod.example.com/index.m3u8"); err == nil {
		t.Fatal("expected error for master playlist")
	}
}

func TestSegmentsFinished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(0, 5, true))
	}))
	defer server.Close()

	segs, err := testResolver().Collect(context.Background(), server.URL+"/index.m3u8")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(segs) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(segs))
	}
	for i, seg := range segs {
		if seg.Sequence != uint64(i) {
			t.Errorf("segment %d has sequence %d", i, seg.Sequence)
		}
	}
}

func TestSegmentsLivePolling(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		switch n {
		case 1:
			fmt.Fprint(w, mediaPlaylist(0, 2, false))
		case 2:
			fmt.Fprint(w, mediaPlaylist(0, 4, false))
		default:
			fmt.Fprint(w, mediaPlaylist(2, 4, true))
		}
	}))
	defer server.Close()

	segs, err := testResolver().Collect(context.Background(), server.URL+"/index.m3u8")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(segs) != 6 {
		t.Fatalf("expected 6 segments, got %d", len(segs))
	}
	for i, seg := range segs {
		if seg.Sequence != uint64(i) {
			t.Errorf("segment %d has sequence %d, duplicate or gap", i, seg.Sequence)
		}
	}
}

func TestSegmentsLiveGap(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			fmt.Fprint(w, mediaPlaylist(0, 2, false))
			return
		}
		fmt.Fprint(w, mediaPlaylist(5, 2, true))
	}))
	defer server.Close()

	_, err := testResolver().Collect(context.Background(), server.URL+"/index.m3u8")
	if !utils.IsKind(err, utils.KindSegmentIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestSegmentsCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(0, 1, false))
	}))
	defer server.Close()

	r := testResolver()
	r.MinPoll = time.Hour
	r.MaxPoll = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	count := 0
	var last error
	for _, err := range r.Segments(ctx, server.URL+"/index.m3u8") {
		if err != nil {
			last = err
			break
		}
		count++
		cancel()
	}
	if count != 1 {
		t.Errorf("expected 1 segment before cancel, got %d", count)
	}
	if last != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", last)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, mediaPlaylist(0, 1, true))
	}))
	defer server.Close()

	snap, err := testResolver().Snapshot(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if calls.Load() != 3 || len(snap.Segments) != 1 {
		t.Errorf("calls = %d, segments = %d", calls.Load(), len(snap.Segments))
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testResolver().Snapshot(context.Background(), server.URL)
	if !utils.IsKind(err, utils.KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 retried %d times", calls.Load())
	}
}
