package twitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tanq16/vodkeeper/internal/utils"
)

type fakeLister struct {
	calls   int
	appear  int
	err     error
	created time.Time
}

func (f *fakeLister) ChannelVideos(ctx context.Context, channelID string) ([]Video, error) {
	f.calls++
	old := Video{ID: "1", CreatedAt: f.created.Add(-48 * time.Hour)}
	if f.err != nil {
		return nil, f.err
	}
	if f.calls < f.appear {
		return []Video{old}, nil
	}
	return []Video{{ID: "2", CreatedAt: f.created, Status: StatusRecording}, old}, nil
}

func TestLocateWaitsForNewVideo(t *testing.T) {
	started := time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)
	lister := &fakeLister{appear: 3, created: started.Add(20 * time.Second)}
	l := NewLocator(lister)
	l.Interval = time.Millisecond

	v, err := l.Locate(context.Background(), "12826", started)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if v.ID != "2" || !v.Recording() {
		t.Errorf("located %+v", v)
	}
	if lister.calls != 3 {
		t.Errorf("calls = %d", lister.calls)
	}
}

func TestLocateTimeout(t *testing.T) {
	started := time.Now()
	lister := &fakeLister{appear: 1 << 30, created: started}
	l := NewLocator(lister)
	l.Interval = time.Millisecond
	l.Timeout = 20 * time.Millisecond

	_, err := l.Locate(context.Background(), "12826", started)
	if !errors.Is(err, ErrVODNotFound) {
		t.Fatalf("expected ErrVODNotFound, got %v", err)
	}
}

func TestLocateAuthFailure(t *testing.T) {
	lister := &fakeLister{err: utils.Errorf(utils.KindAuthentication, "test", "denied")}
	l := NewLocator(lister)
	l.Interval = time.Millisecond

	_, err := l.Locate(context.Background(), "12826", time.Now())
	if !utils.IsKind(err, utils.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if lister.calls != 1 {
		t.Errorf("auth failure retried %d times", lister.calls)
	}
}
