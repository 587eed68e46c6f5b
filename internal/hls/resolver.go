package hls

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
)

const maxManifestSize = 32 * 1024 * 1024

// Segment describes one media segment of a playlist snapshot.
type Segment struct {
	Sequence uint64
	URL      string
	Name     string
	Duration float64
	// Size is the expected byte length, 0 when unknown.
	Size int64
	// Offset is the start of an EXT-X-BYTERANGE sub-range, -1 when the
	// segment is the whole resource.
	Offset int64
}

// Snapshot is one parse of a media playlist.
type Snapshot struct {
	Segments       []Segment
	TargetDuration float64
	Ended          bool
}

type Resolver struct {
	client  utils.HTTPDoer
	retry   utils.RetryPolicy
	MinPoll time.Duration
	MaxPoll time.Duration
}

func NewResolver(client utils.HTTPDoer, retry utils.RetryPolicy) *Resolver {
	return &Resolver{
		client:  client,
		retry:   retry,
		MinPoll: time.Second,
		MaxPoll: 30 * time.Second,
	}
}

// Variants fetches and parses a master playlist.
func (r *Resolver) Variants(ctx context.Context, masterURL string) ([]Variant, error) {
	body, err := r.fetch(ctx, masterURL)
	if err != nil {
		return nil, err
	}
	return ParseMaster(body, masterURL)
}

// Select resolves the media playlist URL for quality from a master playlist.
func (r *Resolver) Select(ctx context.Context, masterURL, quality string) (Variant, error) {
	variants, err := r.Variants(ctx, masterURL)
	if err != nil {
		return Variant{}, err
	}
	variant, err := SelectVariant(variants, quality)
	if err != nil {
		return Variant{}, err
	}
	log.Debug().Str("op", "hls/resolver").Msgf("Selected variant %s (%s, %d bps) out of %d", variant.Name, variant.Resolution, variant.Bandwidth, len(variants))
	return variant, nil
}

// Snapshot fetches and parses the media playlist once.
func (r *Resolver) Snapshot(ctx context.Context, mediaURL string) (*Snapshot, error) {
	body, err := r.fetch(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	return ParseMedia(body, mediaURL)
}

// Segments lazily yields every segment of the media playlist in sequence
// order. A playlist without an end marker is re-polled until it gains one
// or ctx is cancelled; only unseen sequence numbers are yielded. Each range
// over the returned sequence starts from scratch.
func (r *Resolver) Segments(ctx context.Context, mediaURL string) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		var last uint64
		started := false
		for polls := 1; ; polls++ {
			snap, err := r.Snapshot(ctx, mediaURL)
			if err != nil {
				yield(Segment{}, err)
				return
			}
			fresh := 0
			for _, seg := range snap.Segments {
				if started && seg.Sequence <= last {
					continue
				}
				if started && seg.Sequence != last+1 {
					yield(Segment{}, utils.Errorf(utils.KindSegmentIntegrity, "hls/resolver",
						"playlist skipped from sequence %d to %d", last, seg.Sequence))
					return
				}
				if !yield(seg, nil) {
					return
				}
				last = seg.Sequence
				started = true
				fresh++
			}
			if snap.Ended {
				if !started {
					yield(Segment{}, utils.Errorf(utils.KindManifestParse, "hls/resolver", "finished playlist has no segments"))
				}
				return
			}
			wait := r.pollInterval(snap.TargetDuration)
			log.Debug().Str("op", "hls/resolver").Msgf("Playlist still growing (poll %d, %d new), next poll in %s", polls, fresh, wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(Segment{}, ctx.Err())
				return
			case <-timer.C:
			}
		}
	}
}

// Collect drains Segments into a slice, waiting for the end marker.
func (r *Resolver) Collect(ctx context.Context, mediaURL string) ([]Segment, error) {
	var out []Segment
	for seg, err := range r.Segments(ctx, mediaURL) {
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

func (r *Resolver) pollInterval(target float64) time.Duration {
	wait := time.Duration(target * float64(time.Second))
	if wait < r.MinPoll {
		wait = r.MinPoll
	}
	if r.MaxPoll > 0 && wait > r.MaxPoll {
		wait = r.MaxPoll
	}
	return wait
}

func (r *Resolver) fetch(ctx context.Context, manifestURL string) ([]byte, error) {
	var body []byte
	err := r.retry.Do(ctx, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
		if err != nil {
			return utils.NewError(utils.KindManifestParse, "hls/fetch", err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Str("op", "hls/fetch").Msgf("Attempt %d for manifest failed: %v", attempt, err)
			return utils.Transient(utils.NewError(utils.KindNetwork, "hls/fetch", err))
		}
		defer utils.DrainClose(resp.Body)
		if resp.StatusCode != http.StatusOK {
			statusErr := utils.Errorf(utils.KindNetwork, "hls/fetch", "manifest returned status %d", resp.StatusCode)
			if utils.RetryableStatus(resp.StatusCode) {
				return utils.Transient(statusErr)
			}
			return statusErr
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
		if err != nil {
			return utils.Transient(utils.NewError(utils.KindNetwork, "hls/fetch", err))
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ParseMaster parses a master playlist; relative variant URIs are resolved
// against baseURL.
func ParseMaster(body []byte, baseURL string) ([]Variant, error) {
	playlist, err := decode(body)
	if err != nil {
		return nil, err
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, utils.Errorf(utils.KindManifestParse, "hls/parse", "expected master playlist but got media playlist")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, utils.NewError(utils.KindManifestParse, "hls/parse", err)
	}
	var variants []Variant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		uri, err := resolveURL(base, v.URI)
		if err != nil {
			return nil, utils.NewError(utils.KindManifestParse, "hls/parse", err)
		}
		variants = append(variants, newVariant(v, uri))
	}
	if len(variants) == 0 {
		return nil, utils.Errorf(utils.KindManifestParse, "hls/parse", "master playlist lists no variants")
	}
	return variants, nil
}

// ParseMedia parses a media playlist into a contiguous snapshot.
func ParseMedia(body []byte, baseURL string) (*Snapshot, error) {
	playlist, err := decode(body)
	if err != nil {
		return nil, err
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, utils.Errorf(utils.KindManifestParse, "hls/parse", "expected media playlist but got master playlist")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, utils.NewError(utils.KindManifestParse, "hls/parse", err)
	}
	snap := &Snapshot{
		TargetDuration: media.TargetDuration,
		Ended:          media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		uri, err := resolveURL(base, seg.URI)
		if err != nil {
			return nil, utils.NewError(utils.KindManifestParse, "hls/parse", err)
		}
		s := Segment{
			Sequence: seg.SeqId,
			URL:      uri,
			Name:     seg.URI,
			Duration: seg.Duration,
			Offset:   -1,
		}
		if seg.Limit > 0 {
			s.Size = seg.Limit
			s.Offset = seg.Offset
		}
		if n := len(snap.Segments); n > 0 && snap.Segments[n-1].Sequence+1 != s.Sequence {
			return nil, utils.Errorf(utils.KindManifestParse, "hls/parse", "non-contiguous sequence %d after %d", s.Sequence, snap.Segments[n-1].Sequence)
		}
		snap.Segments = append(snap.Segments, s)
	}
	return snap, nil
}

func decode(body []byte) (m3u8.Playlist, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(body, "\ufeff \t\r\n"), []byte("#EXTM3U")) {
		return nil, utils.Errorf(utils.KindManifestParse, "hls/parse", "missing #EXTM3U header")
	}
	playlist, _, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, utils.NewError(utils.KindManifestParse, "hls/parse", fmt.Errorf("decoding playlist: %w", err))
	}
	return playlist, nil
}

func resolveURL(baseURL *url.URL, ref string) (string, error) {
	relURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
