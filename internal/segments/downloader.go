package segments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/hls"
	"github.com/tanq16/vodkeeper/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const DefaultParallelism = 20

// filePrefix keeps cleanup globs away from other files in the run directory.
const filePrefix = "seg-"

// FileName is the on-disk name of a completed segment.
func FileName(sequence uint64) string {
	return fmt.Sprintf("%s%08d.ts", filePrefix, sequence)
}

type Config struct {
	Dir         string
	Parallelism int
	Retry       utils.RetryPolicy
	// Cleanup removes every segment file of the run when the download fails.
	Cleanup bool
	// OnSegment is called from worker goroutines after each segment lands.
	OnSegment func(sequence uint64, size int64)
}

// Result is one completed segment on disk.
type Result struct {
	Sequence uint64
	Path     string
	Size     int64
}

// Progress is safe for concurrent reads while a download runs.
type Progress struct {
	bytes    atomic.Int64
	segments atomic.Int64
}

func (p *Progress) Bytes() int64    { return p.bytes.Load() }
func (p *Progress) Segments() int64 { return p.segments.Load() }

type Downloader struct {
	client   utils.HTTPDoer
	cfg      Config
	progress Progress
}

func NewDownloader(client utils.HTTPDoer, cfg Config) (*Downloader, error) {
	if cfg.Parallelism < 1 {
		return nil, utils.Errorf(utils.KindResourceLimit, "segments/downloader", "parallelism must be at least 1, got %d", cfg.Parallelism)
	}
	if cfg.Dir == "" {
		return nil, utils.Errorf(utils.KindFilesystem, "segments/downloader", "no destination directory")
	}
	return &Downloader{client: client, cfg: cfg}, nil
}

func (d *Downloader) Progress() *Progress {
	return &d.progress
}

// Run downloads every segment received on segs with at most Parallelism
// requests in flight and returns the results ordered by sequence. It stops
// at the first fatal failure; the producer must stop sending on its own
// context since segs is not drained after a failure.
func (d *Downloader) Run(ctx context.Context, segs <-chan hls.Segment) ([]Result, error) {
	if err := os.MkdirAll(d.cfg.Dir, 0755); err != nil {
		return nil, utils.NewError(utils.KindFilesystem, "segments/downloader", err)
	}
	sem := semaphore.NewWeighted(int64(d.cfg.Parallelism))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var results []Result

	queued := 0
loop:
	for {
		var seg hls.Segment
		var ok bool
		select {
		case <-gctx.Done():
			break loop
		case seg, ok = <-segs:
			if !ok {
				break loop
			}
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		queued++
		g.Go(func() error {
			defer sem.Release(1)
			res, err := d.fetch(gctx, seg)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		d.cleanup()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("op", "segments/downloader").Msg("Download cancelled")
		}
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Sequence < results[j].Sequence
	})
	log.Debug().Str("op", "segments/downloader").Msgf("Downloaded %d segments (%d bytes)", queued, d.progress.Bytes())
	return results, nil
}

func (d *Downloader) fetch(ctx context.Context, seg hls.Segment) (Result, error) {
	final := filepath.Join(d.cfg.Dir, FileName(seg.Sequence))
	part := final + ".part"
	var size int64
	err := d.cfg.Retry.Do(ctx, func(attempt int) error {
		n, err := d.fetchOnce(ctx, seg, part)
		if err != nil {
			os.Remove(part)
			if utils.IsTransient(err) {
				log.Debug().Str("op", "segments/downloader").Msgf("Segment %d attempt %d failed: %v", seg.Sequence, attempt, err)
			}
			return err
		}
		size = n
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if utils.IsKind(err, utils.KindFilesystem) {
			return Result{}, err
		}
		return Result{}, utils.NewError(utils.KindSegmentIntegrity, "segments/downloader", fmt.Errorf("segment %d (%s): %w", seg.Sequence, seg.Name, err))
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return Result{}, utils.NewError(utils.KindFilesystem, "segments/downloader", err)
	}
	d.progress.bytes.Add(size)
	d.progress.segments.Add(1)
	if d.cfg.OnSegment != nil {
		d.cfg.OnSegment(seg.Sequence, size)
	}
	return Result{Sequence: seg.Sequence, Path: final, Size: size}, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, seg hls.Segment, part string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return 0, err
	}
	if seg.Offset >= 0 && seg.Size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.Offset, seg.Offset+seg.Size-1))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, utils.Transient(utils.NewError(utils.KindNetwork, "segments/fetch", err))
	}
	defer utils.DrainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		if utils.RetryableStatus(resp.StatusCode) {
			return 0, utils.Transient(statusErr)
		}
		return 0, statusErr
	}
	expected := seg.Size
	if expected <= 0 {
		expected = resp.ContentLength
	}

	f, err := os.Create(part)
	if err != nil {
		return 0, utils.NewError(utils.KindFilesystem, "segments/fetch", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, utils.Transient(utils.NewError(utils.KindNetwork, "segments/fetch", copyErr))
	}
	if closeErr != nil {
		return 0, utils.NewError(utils.KindFilesystem, "segments/fetch", closeErr)
	}
	if expected >= 0 && n != expected {
		return 0, utils.Transient(fmt.Errorf("short body: got %d of %d bytes", n, expected))
	}
	return n, nil
}

func (d *Downloader) cleanup() {
	removeMatching(d.cfg.Dir, filePrefix+"*.ts.part")
	if d.cfg.Cleanup {
		removeMatching(d.cfg.Dir, filePrefix+"*.ts")
	}
}

// Remove deletes the segment files of results.
func Remove(results []Result) {
	for _, r := range results {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("op", "segments/downloader").Msgf("Could not remove %s: %v", r.Path, err)
		}
	}
}

func removeMatching(dir, pattern string) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
	if len(matches) > 0 {
		log.Debug().Str("op", "segments/downloader").Msgf("Removed %d %s files from %s", len(matches), pattern, dir)
	}
}
