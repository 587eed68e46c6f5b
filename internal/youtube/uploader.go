package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://www.googleapis.com"
	// ChunkGranularity is the size every non-final chunk must be a multiple of.
	ChunkGranularity = 256 * 1024
	DefaultChunkSize = 32 * ChunkGranularity
	DefaultPrivacy   = "unlisted"
	// CategoryGaming is the YouTube category id for gaming.
	CategoryGaming = "20"
)

var errSessionLost = errors.New("upload session no longer exists")

type Metadata struct {
	Title       string
	Description string
	Privacy     string
	CategoryID  string
	Tags        []string
	MadeForKids bool
}

type SessionState int

const (
	Uninitiated SessionState = iota
	SessionOpen
	Uploading
	Completed
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Uninitiated:
		return "uninitiated"
	case SessionOpen:
		return "session-open"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Session tracks one resumable upload. Offset never decreases within a
// session; a lost session is replaced and restarts at zero.
type Session struct {
	URI    string
	Total  int64
	Offset int64
	State  SessionState
	// Opened counts sessions created for this upload.
	Opened int
}

type Uploader struct {
	client    utils.HTTPDoer
	tokens    oauth2.TokenSource
	retry     utils.RetryPolicy
	BaseURL   string
	ChunkSize int64
}

// ProgressFunc receives the server-acknowledged offset after every chunk.
type ProgressFunc func(sent, total int64)

func NewUploader(client utils.HTTPDoer, tokens oauth2.TokenSource, retry utils.RetryPolicy) *Uploader {
	return &Uploader{
		client:    client,
		tokens:    tokens,
		retry:     retry,
		BaseURL:   DefaultBaseURL,
		ChunkSize: DefaultChunkSize,
	}
}

// Upload sends the file at path and returns the new video id.
func (u *Uploader) Upload(ctx context.Context, path string, meta Metadata, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", utils.NewError(utils.KindFilesystem, "youtube/upload", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", utils.NewError(utils.KindFilesystem, "youtube/upload", err)
	}
	return u.UploadReader(ctx, f, info.Size(), meta, progress)
}

func (u *Uploader) UploadReader(ctx context.Context, r io.ReaderAt, size int64, meta Metadata, progress ProgressFunc) (string, error) {
	if size <= 0 {
		return "", utils.Errorf(utils.KindUploadProtocol, "youtube/upload", "refusing to upload an empty artifact")
	}
	s := &Session{Total: size}
	if progress == nil {
		progress = func(int64, int64) {}
	}
	id, err := u.run(ctx, s, r, meta, progress)
	if err != nil {
		s.State = Failed
		log.Debug().Str("op", "youtube/upload").Msgf("Upload failed at offset %d of %d after %d sessions", s.Offset, s.Total, s.Opened)
		return "", err
	}
	s.State = Completed
	return id, nil
}

func (u *Uploader) run(ctx context.Context, s *Session, r io.ReaderAt, meta Metadata, report ProgressFunc) (string, error) {
	if err := u.open(ctx, s, meta); err != nil {
		return "", err
	}
	chunk := u.chunkSize()
	failures := 0
	for {
		end := min(s.Offset+chunk, s.Total) - 1
		s.State = Uploading
		id, next, err := u.putChunk(ctx, s, r, s.Offset, end)
		if err == nil {
			if id != "" {
				report(s.Total, s.Total)
				return id, nil
			}
			if err := s.advance(next); err != nil {
				return "", err
			}
			failures = 0
			report(s.Offset, s.Total)
			continue
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, errSessionLost) && !utils.IsTransient(err) {
			return "", err
		}
		failures++
		if failures >= u.retry.MaxAttempts {
			return "", utils.NewError(utils.KindUploadProtocol, "youtube/upload",
				fmt.Errorf("giving up at offset %d after %d consecutive failures: %w", s.Offset, failures, utils.Permanent(err)))
		}
		log.Warn().Str("op", "youtube/upload").Msgf("Chunk at offset %d failed (%d/%d): %v", s.Offset, failures, u.retry.MaxAttempts, err)
		if werr := u.retry.Wait(ctx, failures); werr != nil {
			return "", werr
		}

		if !errors.Is(err, errSessionLost) {
			id, next, err = u.status(ctx, s)
			if err == nil {
				if id != "" {
					report(s.Total, s.Total)
					return id, nil
				}
				if err := s.advance(next); err != nil {
					return "", err
				}
				log.Debug().Str("op", "youtube/upload").Msgf("Resuming at server offset %d", s.Offset)
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !errors.Is(err, errSessionLost) && !utils.IsTransient(err) {
				return "", err
			}
		}
		if errors.Is(err, errSessionLost) {
			log.Warn().Str("op", "youtube/upload").Msg("Upload session lost, starting a new one from offset 0")
			if err := u.open(ctx, s, meta); err != nil {
				return "", err
			}
		}
	}
}

// advance applies a server-reported offset.
func (s *Session) advance(next int64) error {
	if next < s.Offset {
		return utils.Errorf(utils.KindUploadProtocol, "youtube/upload", "server offset %d regressed below acknowledged offset %d", next, s.Offset)
	}
	if next > s.Total {
		return utils.Errorf(utils.KindUploadProtocol, "youtube/upload", "server offset %d beyond total %d", next, s.Total)
	}
	s.Offset = next
	return nil
}

func (u *Uploader) chunkSize() int64 {
	c := u.ChunkSize
	if c <= 0 {
		c = DefaultChunkSize
	}
	c -= c % ChunkGranularity
	if c == 0 {
		c = ChunkGranularity
	}
	return c
}

type snippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CategoryID  string   `json:"categoryId,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type videoStatus struct {
	PrivacyStatus           string `json:"privacyStatus"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
}

type videoResource struct {
	Snippet snippet     `json:"snippet"`
	Status  videoStatus `json:"status"`
}

func (u *Uploader) open(ctx context.Context, s *Session, meta Metadata) error {
	privacy := meta.Privacy
	if privacy == "" {
		privacy = DefaultPrivacy
	}
	body, err := json.Marshal(videoResource{
		Snippet: snippet{Title: meta.Title, Description: meta.Description, CategoryID: meta.CategoryID, Tags: meta.Tags},
		Status:  videoStatus{PrivacyStatus: privacy, SelfDeclaredMadeForKids: meta.MadeForKids},
	})
	if err != nil {
		return utils.NewError(utils.KindUploadProtocol, "youtube/open", err)
	}
	endpoint := strings.TrimRight(u.BaseURL, "/") + "/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"
	return u.retry.Do(ctx, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return utils.NewError(utils.KindUploadProtocol, "youtube/open", err)
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(s.Total, 10))
		req.Header.Set("X-Upload-Content-Type", "video/*")
		resp, err := u.do(ctx, req)
		if err != nil {
			return err
		}
		defer utils.DrainClose(resp.Body)
		if err := classify(resp, "youtube/open"); err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return utils.Errorf(utils.KindUploadProtocol, "youtube/open", "unexpected status %d opening session", resp.StatusCode)
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return utils.Errorf(utils.KindUploadProtocol, "youtube/open", "session response has no Location header")
		}
		s.URI = location
		s.Offset = 0
		s.State = SessionOpen
		s.Opened++
		log.Debug().Str("op", "youtube/open").Msgf("Opened upload session %d for %d bytes", s.Opened, s.Total)
		return nil
	})
}

func (u *Uploader) putChunk(ctx context.Context, s *Session, r io.ReaderAt, start, end int64) (string, int64, error) {
	length := end - start + 1
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URI, io.NewSectionReader(r, start, length))
	if err != nil {
		return "", 0, utils.NewError(utils.KindUploadProtocol, "youtube/chunk", err)
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "video/*")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, s.Total))
	return u.exchange(ctx, req, "youtube/chunk")
}

// status asks the server how much of the session it has persisted.
func (u *Uploader) status(ctx context.Context, s *Session) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URI, http.NoBody)
	if err != nil {
		return "", 0, utils.NewError(utils.KindUploadProtocol, "youtube/status", err)
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", s.Total))
	return u.exchange(ctx, req, "youtube/status")
}

func (u *Uploader) exchange(ctx context.Context, req *http.Request, op string) (string, int64, error) {
	resp, err := u.do(ctx, req)
	if err != nil {
		return "", 0, err
	}
	defer utils.DrainClose(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var video struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&video); err != nil || video.ID == "" {
			return "", 0, utils.Errorf(utils.KindUploadProtocol, op, "upload finished without a video id")
		}
		return video.ID, 0, nil
	case http.StatusPermanentRedirect:
		next, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return "", 0, utils.NewError(utils.KindUploadProtocol, op, err)
		}
		return "", next, nil
	}
	if err := classify(resp, op); err != nil {
		return "", 0, err
	}
	return "", 0, utils.Errorf(utils.KindUploadProtocol, op, "unexpected status %d", resp.StatusCode)
}

func (u *Uploader) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := u.tokens.Token()
	if err != nil {
		return nil, utils.NewError(utils.KindAuthentication, "youtube/auth", err)
	}
	token.SetAuthHeader(req)
	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, utils.Transient(utils.NewError(utils.KindNetwork, "youtube/request", err))
	}
	return resp, nil
}

// classify maps error statuses shared by every resumable request.
func classify(resp *http.Response, op string) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return utils.Errorf(utils.KindAuthentication, op, "status %d: %s", code, strings.TrimSpace(string(msg)))
	case code == http.StatusNotFound || code == http.StatusGone:
		return utils.NewError(utils.KindUploadProtocol, op, errSessionLost)
	case utils.RetryableStatus(code):
		return utils.Transient(utils.Errorf(utils.KindNetwork, op, "status %d", code))
	case code >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return utils.Errorf(utils.KindUploadProtocol, op, "status %d: %s", code, strings.TrimSpace(string(msg)))
	}
	return nil
}

// parseRange turns "bytes=0-N" into the next offset N+1. An absent header
// means nothing was persisted.
func parseRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok || first != "0" {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	return n + 1, nil
}
