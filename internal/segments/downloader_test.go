package segments

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/vodkeeper/internal/hls"
	"github.com/tanq16/vodkeeper/internal/utils"
)

func payload(seq int) []byte {
	return bytes.Repeat([]byte{byte('a' + seq%26)}, 1000+seq*37)
}

func feed(server string, n int) <-chan hls.Segment {
	ch := make(chan hls.Segment, n)
	for i := 0; i < n; i++ {
		ch <- hls.Segment{Sequence: uint64(i), URL: fmt.Sprintf("%s/%d.ts", server, i), Name: fmt.Sprintf("%d.ts", i), Offset: -1}
	}
	close(ch)
	return ch
}

func seqFromPath(p string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p, "/"), ".ts"))
	return n
}

func testConfig(t *testing.T, p int) Config {
	return Config{
		Dir:         t.TempDir(),
		Parallelism: p,
		Retry:       utils.RetryPolicy{MaxAttempts: 3, Sleep: utils.NoSleep},
		Cleanup:     true,
	}
}

func TestDownloadRespectsParallelism(t *testing.T) {
	const p = 3
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		w.Write(payload(seqFromPath(r.URL.Path)))
	}))
	defer server.Close()

	cfg := testConfig(t, p)
	var callbacks atomic.Int32
	cfg.OnSegment = func(uint64, int64) { callbacks.Add(1) }
	d, err := NewDownloader(http.DefaultClient, cfg)
	if err != nil {
		t.Fatal(err)
	}
	results, err := d.Run(context.Background(), feed(server.URL, 20))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > p {
		t.Errorf("peak in-flight %d exceeds parallelism %d", peak.Load(), p)
	}
	if len(results) != 20 || callbacks.Load() != 20 {
		t.Fatalf("results = %d, callbacks = %d", len(results), callbacks.Load())
	}
	var total int64
	for i, r := range results {
		if r.Sequence != uint64(i) {
			t.Errorf("result %d has sequence %d", i, r.Sequence)
		}
		data, err := os.ReadFile(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, payload(i)) {
			t.Errorf("segment %d content mismatch", i)
		}
		if filepath.Base(r.Path) != FileName(uint64(i)) {
			t.Errorf("segment %d path = %s", i, r.Path)
		}
		total += r.Size
	}
	if d.Progress().Bytes() != total || d.Progress().Segments() != 20 {
		t.Errorf("progress = %d bytes / %d segments", d.Progress().Bytes(), d.Progress().Segments())
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			// announce more bytes than sent to simulate a cut connection
			w.Header().Set("Content-Length", "5000")
			w.Write(payload(0)[:10])
		default:
			w.Write(payload(0))
		}
	}))
	defer server.Close()

	d, err := NewDownloader(http.DefaultClient, testConfig(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	results, err := d.Run(context.Background(), feed(server.URL, 1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d", calls.Load())
	}
	if results[0].Size != int64(len(payload(0))) {
		t.Errorf("size = %d", results[0].Size)
	}
}

func TestDownloadExpectedSizeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	defer server.Close()

	cfg := testConfig(t, 1)
	d, _ := NewDownloader(http.DefaultClient, cfg)
	ch := make(chan hls.Segment, 1)
	ch <- hls.Segment{Sequence: 0, URL: server.URL + "/0.ts", Size: 100, Offset: -1}
	close(ch)
	_, err := d.Run(context.Background(), ch)
	if !utils.IsKind(err, utils.KindSegmentIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestDownloadFailureCleansUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seqFromPath(r.URL.Path) == 7 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(payload(seqFromPath(r.URL.Path)))
	}))
	defer server.Close()

	cfg := testConfig(t, 2)
	d, _ := NewDownloader(http.DefaultClient, cfg)
	_, err := d.Run(context.Background(), feed(server.URL, 10))
	if !utils.IsKind(err, utils.KindSegmentIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	entries, _ := os.ReadDir(cfg.Dir)
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected empty dir after failure, found %v", names)
	}
}

func TestDownloadRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(t, 1)
	cfg.Cleanup = false
	d, _ := NewDownloader(http.DefaultClient, cfg)
	_, err := d.Run(context.Background(), feed(server.URL, 1))
	if !utils.IsKind(err, utils.KindSegmentIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	parts, _ := filepath.Glob(filepath.Join(cfg.Dir, "*.part"))
	if len(parts) != 0 {
		t.Errorf("partial files left: %v", parts)
	}
}

func TestDownloadCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := testConfig(t, 4)
	d, _ := NewDownloader(http.DefaultClient, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Run(ctx, feed(server.URL, 8))
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	entries, _ := os.ReadDir(cfg.Dir)
	if len(entries) != 0 {
		t.Errorf("expected no files after cancel, found %d", len(entries))
	}
}

func TestNewDownloaderRejectsZeroParallelism(t *testing.T) {
	_, err := NewDownloader(http.DefaultClient, Config{Dir: t.TempDir()})
	if !utils.IsKind(err, utils.KindResourceLimit) {
		t.Fatalf("expected resource error, got %v", err)
	}
}
