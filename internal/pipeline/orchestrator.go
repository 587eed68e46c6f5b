package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/concat"
	"github.com/tanq16/vodkeeper/internal/hls"
	"github.com/tanq16/vodkeeper/internal/segments"
	"github.com/tanq16/vodkeeper/internal/twitch"
	"github.com/tanq16/vodkeeper/internal/utils"
	"github.com/tanq16/vodkeeper/internal/youtube"
)

type Stage int

const (
	Pending Stage = iota
	Resolving
	Downloading
	Concatenating
	Uploading
	Completed
	Failed
)

func (s Stage) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolving:
		return "resolving"
	case Downloading:
		return "downloading"
	case Concatenating:
		return "concatenating"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Progress is handed to Options.OnProgress. Done and Total are bytes; Total
// is zero while the download size is still unknown.
type Progress struct {
	RunID         string
	VODID         string
	Stage         Stage
	Done          int64
	Total         int64
	Segments      int
	SegmentsTotal int
}

type VideoSource interface {
	VideoInfo(ctx context.Context, vodID string) (*twitch.Video, error)
	ResolveMaster(ctx context.Context, vodID string) (string, error)
}

type PlaylistResolver interface {
	Select(ctx context.Context, masterURL, quality string) (hls.Variant, error)
	Segments(ctx context.Context, mediaURL string) iter.Seq2[hls.Segment, error]
}

type Uploader interface {
	Upload(ctx context.Context, path string, meta youtube.Metadata, progress youtube.ProgressFunc) (string, error)
}

// Recorder receives run telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	StageEntered(stage string)
	SegmentDownloaded(bytes int64)
	RunFinished(errKind string, elapsed time.Duration)
}

type Options struct {
	TempDir     string
	Parallelism int
	Quality     string
	Privacy     string
	// Cleanup removes segment files and the run directory once they are no
	// longer needed. A concatenated artifact survives a failed upload.
	Cleanup bool
	Retry   utils.RetryPolicy
	// Budget is the descriptor budget queried at process start.
	Budget segments.Budget
	// ConcurrentRuns is how many runs may download at once against Budget.
	ConcurrentRuns int
	OnProgress     func(Progress)
	Recorder       Recorder
}

type Result struct {
	RunID    string
	VODID    string
	VideoID  string
	Artifact *concat.Artifact
	Elapsed  time.Duration
}

type Orchestrator struct {
	videos   VideoSource
	resolver PlaylistResolver
	uploader Uploader
	segHTTP  utils.HTTPDoer
	opts     Options
	mu       sync.Mutex
}

func New(videos VideoSource, resolver PlaylistResolver, uploader Uploader, segHTTP utils.HTTPDoer, opts Options) *Orchestrator {
	if opts.Parallelism == 0 {
		opts.Parallelism = segments.DefaultParallelism
	}
	if opts.Quality == "" {
		opts.Quality = hls.DefaultQuality
	}
	if opts.Privacy == "" {
		opts.Privacy = youtube.DefaultPrivacy
	}
	opts.ConcurrentRuns = max(opts.ConcurrentRuns, 1)
	return &Orchestrator{
		videos:   videos,
		resolver: resolver,
		uploader: uploader,
		segHTTP:  segHTTP,
		opts:     opts,
	}
}

// run carries the mutable state of one archive run.
type run struct {
	o        *Orchestrator
	id       string
	vodID    string
	dir      string
	started  time.Time
	bytes    atomic.Int64
	done     atomic.Int64
	produced atomic.Int64
}

// ValidateBudget reports whether ConcurrentRuns downloads fit in the
// descriptor budget.
func (o *Orchestrator) ValidateBudget() error {
	return o.opts.Budget.ValidateRuns(o.opts.Parallelism, o.opts.ConcurrentRuns)
}

// RunVOD archives one VOD end to end; the monitor calls it once per stream.
func (o *Orchestrator) RunVOD(ctx context.Context, vodID string) error {
	_, err := o.Run(ctx, vodID)
	return err
}

func (o *Orchestrator) Run(ctx context.Context, vodID string) (*Result, error) {
	r := &run{
		o:       o,
		id:      uuid.NewString(),
		vodID:   vodID,
		dir:     utils.RunDir(o.opts.TempDir, vodID),
		started: time.Now(),
	}
	r.enter(Pending)
	res, err := r.execute(ctx)
	if err != nil {
		r.enter(Failed)
		r.finish(err)
		return res, err
	}
	r.enter(Completed)
	r.finish(nil)
	res.Elapsed = time.Since(r.started)
	return res, nil
}

// UploadArtifact sends the artifact an earlier run kept after a failed
// upload. An empty path means the default location under the temp dir.
func (o *Orchestrator) UploadArtifact(ctx context.Context, vodID, path string) (*Result, error) {
	r := &run{
		o:       o,
		id:      uuid.NewString(),
		vodID:   vodID,
		dir:     utils.RunDir(o.opts.TempDir, vodID),
		started: time.Now(),
	}
	if path == "" {
		path = filepath.Join(r.dir, ArtifactName(vodID))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, utils.NewError(utils.KindFilesystem, "pipeline/orchestrator", fmt.Errorf("no artifact for VOD %s: %w", vodID, err))
	}
	r.enter(Resolving)
	video, err := o.videos.VideoInfo(ctx, vodID)
	if err != nil {
		r.enter(Failed)
		r.finish(err)
		return nil, err
	}
	r.enter(Uploading)
	videoID, err := o.uploader.Upload(ctx, path, Metadata(video, o.opts.Privacy), func(sent, total int64) {
		r.report(Uploading, sent, total)
	})
	res := &Result{RunID: r.id, VODID: vodID, Artifact: &concat.Artifact{Path: path, Size: info.Size()}}
	if err != nil {
		r.enter(Failed)
		r.finish(err)
		return res, err
	}
	res.VideoID = videoID
	if o.opts.Cleanup && filepath.Dir(path) == r.dir {
		if err := os.RemoveAll(r.dir); err != nil {
			log.Warn().Str("op", "pipeline/orchestrator").Msgf("Could not remove %s: %v", r.dir, err)
		}
	}
	r.enter(Completed)
	r.finish(nil)
	res.Elapsed = time.Since(r.started)
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	o := r.o
	if err := o.ValidateBudget(); err != nil {
		return nil, err
	}

	r.enter(Resolving)
	video, err := o.videos.VideoInfo(ctx, r.vodID)
	if err != nil {
		return nil, err
	}
	if video.Recording() {
		log.Warn().Str("op", "pipeline/orchestrator").Msgf("VOD %s is still recording, archiving what the playlist holds until it ends", r.vodID)
	}
	master, err := o.videos.ResolveMaster(ctx, r.vodID)
	if err != nil {
		return nil, err
	}
	variant, err := o.resolver.Select(ctx, master, o.opts.Quality)
	if err != nil {
		return nil, err
	}
	log.Info().Str("op", "pipeline/orchestrator").Msgf("Archiving VOD %s (%s) at %s", r.vodID, video.Title, variant.DisplayName)

	if _, err := os.Stat(r.dir); err == nil {
		log.Warn().Str("op", "pipeline/orchestrator").Msgf("Run directory %s already exists, a previous run was interrupted", r.dir)
	}

	r.enter(Downloading)
	parts, err := r.download(ctx, variant)
	if err != nil {
		r.discard()
		return nil, err
	}

	r.enter(Concatenating)
	out := filepath.Join(r.dir, ArtifactName(r.vodID))
	artifact, err := concat.Join(parts, out, o.opts.Cleanup)
	if err != nil {
		r.discard()
		return nil, err
	}
	log.Info().Str("op", "pipeline/orchestrator").Msgf("Joined %d segments into %s (%s)", artifact.Segments, out, humanize.IBytes(uint64(artifact.Size)))

	res := &Result{RunID: r.id, VODID: r.vodID, Artifact: artifact}
	r.enter(Uploading)
	videoID, err := o.uploader.Upload(ctx, artifact.Path, Metadata(video, o.opts.Privacy), func(sent, total int64) {
		r.report(Uploading, sent, total)
	})
	if err != nil {
		log.Error().Str("op", "pipeline/orchestrator").Msgf("Upload failed, artifact kept at %s for `%s upload %s`", artifact.Path, utils.ToolName, r.vodID)
		return res, err
	}
	res.VideoID = videoID
	log.Info().Str("op", "pipeline/orchestrator").Msgf("VOD %s uploaded as https://youtu.be/%s", r.vodID, videoID)

	if o.opts.Cleanup {
		if err := os.RemoveAll(r.dir); err != nil {
			log.Warn().Str("op", "pipeline/orchestrator").Msgf("Could not remove %s: %v", r.dir, err)
		}
	}
	return res, nil
}

// download streams segments from the playlist into the downloader. The
// producer runs on its own context so a failed download stops it even
// though the channel is never drained.
func (r *run) download(ctx context.Context, variant hls.Variant) ([]segments.Result, error) {
	o := r.o
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := segments.NewDownloader(o.segHTTP, segments.Config{
		Dir:         r.dir,
		Parallelism: o.opts.Parallelism,
		Retry:       o.opts.Retry,
		Cleanup:     o.opts.Cleanup,
		OnSegment: func(_ uint64, size int64) {
			r.bytes.Add(size)
			r.done.Add(1)
			if rec := o.opts.Recorder; rec != nil {
				rec.SegmentDownloaded(size)
			}
			r.report(Downloading, r.bytes.Load(), 0)
		},
	})
	if err != nil {
		return nil, err
	}

	segCh := make(chan hls.Segment)
	var prodErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(segCh)
		for seg, err := range o.resolver.Segments(dctx, variant.URL) {
			if err != nil {
				if dctx.Err() == nil {
					prodErr = err
					cancel()
				}
				return
			}
			r.produced.Add(1)
			select {
			case segCh <- seg:
			case <-dctx.Done():
				return
			}
		}
	}()

	parts, err := d.Run(dctx, segCh)
	cancel()
	wg.Wait()
	if prodErr != nil {
		// The downloader only saw a cancellation; the playlist error is the cause.
		segments.Remove(parts)
		return nil, prodErr
	}
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, utils.Errorf(utils.KindManifestParse, "pipeline/orchestrator", "playlist for VOD %s has no segments", r.vodID)
	}
	if n := r.produced.Load(); int64(len(parts)) != n {
		segments.Remove(parts)
		return nil, utils.Errorf(utils.KindSegmentIntegrity, "pipeline/orchestrator", "downloaded %d of %d segments", len(parts), n)
	}
	return parts, nil
}

// discard drops the run directory after a failure that left no artifact.
func (r *run) discard() {
	if !r.o.opts.Cleanup {
		return
	}
	if err := os.RemoveAll(r.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("op", "pipeline/orchestrator").Msgf("Could not remove %s: %v", r.dir, err)
	}
}

func (r *run) enter(stage Stage) {
	log.Debug().Str("op", "pipeline/orchestrator").Msgf("Run %s for VOD %s entered %s", r.id, r.vodID, stage)
	if rec := r.o.opts.Recorder; rec != nil {
		rec.StageEntered(stage.String())
	}
	r.report(stage, 0, 0)
}

func (r *run) report(stage Stage, done, total int64) {
	cb := r.o.opts.OnProgress
	if cb == nil {
		return
	}
	// Workers report concurrently; callbacks are serialized.
	r.o.mu.Lock()
	defer r.o.mu.Unlock()
	cb(Progress{
		RunID:         r.id,
		VODID:         r.vodID,
		Stage:         stage,
		Done:          done,
		Total:         total,
		Segments:      int(r.done.Load()),
		SegmentsTotal: int(r.produced.Load()),
	})
}

func (r *run) finish(err error) {
	rec := r.o.opts.Recorder
	if rec == nil {
		return
	}
	kind := ""
	if err != nil {
		kind = string(utils.KindOf(err))
	}
	rec.RunFinished(kind, time.Since(r.started))
}

// ArtifactName is the concatenated file name inside a run directory.
func ArtifactName(vodID string) string {
	return vodID + ".ts"
}

// Metadata builds the YouTube metadata for an archived VOD.
func Metadata(video *twitch.Video, privacy string) youtube.Metadata {
	var tags []string
	if video.Owner.Login != "" {
		tags = append(tags, video.Owner.Login)
	}
	if video.Game.DisplayName != "" {
		tags = append(tags, video.Game.DisplayName)
	}
	return youtube.Metadata{
		Title:       video.ArchiveTitle(),
		Description: video.ArchiveDescription(),
		Privacy:     privacy,
		CategoryID:  youtube.CategoryGaming,
		Tags:        tags,
	}
}
