package twitch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
)

var ErrVODNotFound = errors.New("no archived broadcast appeared for the stream")

type VideoLister interface {
	ChannelVideos(ctx context.Context, channelID string) ([]Video, error)
}

// Locator waits for the archive VOD of a stream that just went online.
type Locator struct {
	lister   VideoLister
	Interval time.Duration
	Timeout  time.Duration
	// Slack tolerates clock skew between the event timestamp and createdAt.
	Slack time.Duration
}

func NewLocator(lister VideoLister) *Locator {
	return &Locator{
		lister:   lister,
		Interval: 30 * time.Second,
		Timeout:  10 * time.Minute,
		Slack:    5 * time.Minute,
	}
}

// Locate polls the channel archive until a video created at or after
// startedAt shows up, or the timeout elapses.
func (l *Locator) Locate(ctx context.Context, channelID string, startedAt time.Time) (*Video, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	for attempt := 1; ; attempt++ {
		videos, err := l.lister.ChannelVideos(ctx, channelID)
		if err != nil {
			if utils.IsKind(err, utils.KindAuthentication) {
				return nil, err
			}
			log.Warn().Str("op", "twitch/locator").Msgf("Listing videos of channel %s failed (attempt %d): %v", channelID, attempt, err)
		}
		if v := match(videos, startedAt.Add(-l.Slack)); v != nil {
			log.Debug().Str("op", "twitch/locator").Msgf("Found VOD %s for channel %s after %d attempts", v.ID, channelID, attempt)
			return v, nil
		}
		timer := time.NewTimer(l.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, utils.NewError(utils.KindManifestParse, "twitch/locator", ErrVODNotFound)
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// match returns the oldest video created at or after since.
func match(videos []Video, since time.Time) *Video {
	var found *Video
	for i := range videos {
		v := &videos[i]
		if v.CreatedAt.Before(since) {
			continue
		}
		if found == nil || v.CreatedAt.Before(found.CreatedAt) {
			found = v
		}
	}
	return found
}
