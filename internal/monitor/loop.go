package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/twitch"
	"github.com/tanq16/vodkeeper/internal/utils"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxRuns is how many archives the monitor runs at once.
const DefaultMaxRuns = 1

// Event is a "stream went online" notification.
type Event struct {
	ChannelID string    `json:"broadcaster_user_id"`
	Login     string    `json:"broadcaster_user_login"`
	StreamID  string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Source is a reconnectable stream-status feed.
type Source interface {
	Name() string
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live connection of a Source. Next blocks for the next event
// and returns an error once the connection is unusable.
type Conn interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type Locator interface {
	Locate(ctx context.Context, channelID string, startedAt time.Time) (*twitch.Video, error)
}

type Runner interface {
	RunVOD(ctx context.Context, vodID string) error
}

// ChannelState is the per-channel memory of the last triggered stream.
type ChannelState struct {
	ChannelID     string
	Login         string
	LastStreamID  string
	LastTriggered time.Time
}

type Hooks struct {
	OnConnState func(source string, state ConnState)
	OnTrigger   func(channelID string)
	OnRunDone   func(channelID string, err error)
}

type Options struct {
	// Channels are the broadcaster ids to archive; events for any other
	// channel are dropped.
	Channels []string
	// MaxRuns caps concurrent archives. Streams located while the cap is
	// reached wait for a slot.
	MaxRuns int
	Backoff utils.RetryPolicy
	Hooks   Hooks
}

type Loop struct {
	sources []Source
	locator Locator
	runner  Runner
	backoff utils.RetryPolicy
	hooks   Hooks
	watched map[string]bool
	slots   *semaphore.Weighted

	mu       sync.Mutex
	channels map[string]*ChannelState
	runs     sync.WaitGroup
}

func NewLoop(sources []Source, locator Locator, runner Runner, opts Options) *Loop {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	watched := make(map[string]bool, len(opts.Channels))
	for _, id := range opts.Channels {
		watched[id] = true
	}
	return &Loop{
		sources:  sources,
		locator:  locator,
		runner:   runner,
		backoff:  opts.Backoff,
		hooks:    opts.Hooks,
		watched:  watched,
		slots:    semaphore.NewWeighted(int64(opts.MaxRuns)),
		channels: make(map[string]*ChannelState),
	}
}

// Run consumes every source until ctx ends, then waits for triggered runs.
func (l *Loop) Run(ctx context.Context) error {
	if len(l.sources) == 0 {
		return errors.New("no event sources configured")
	}
	if len(l.watched) == 0 {
		return errors.New("no channels configured")
	}
	events := make(chan Event)
	var feeds sync.WaitGroup
	for _, src := range l.sources {
		feeds.Add(1)
		go func() {
			defer feeds.Done()
			l.feed(ctx, src, events)
		}()
	}
	for {
		select {
		case <-ctx.Done():
			feeds.Wait()
			l.runs.Wait()
			return ctx.Err()
		case ev := <-events:
			l.Handle(ctx, ev)
		}
	}
}

// Handle triggers at most one run per stream id of a watched channel.
func (l *Loop) Handle(ctx context.Context, ev Event) bool {
	if !l.watched[ev.ChannelID] {
		log.Debug().Str("op", "monitor/loop").Msgf("Ignoring online event for unwatched channel %s", displayName(ev))
		return false
	}
	l.mu.Lock()
	state, ok := l.channels[ev.ChannelID]
	if !ok {
		state = &ChannelState{ChannelID: ev.ChannelID}
		l.channels[ev.ChannelID] = state
	}
	if ev.Login != "" {
		state.Login = ev.Login
	}
	if ev.StreamID == "" || state.LastStreamID == ev.StreamID {
		l.mu.Unlock()
		log.Debug().Str("op", "monitor/loop").Msgf("Ignoring duplicate online event for %s (stream %s)", ev.ChannelID, ev.StreamID)
		return false
	}
	state.LastStreamID = ev.StreamID
	state.LastTriggered = time.Now()
	l.mu.Unlock()

	log.Info().Str("op", "monitor/loop").Msgf("Channel %s went online (stream %s)", displayName(ev), ev.StreamID)
	if l.hooks.OnTrigger != nil {
		l.hooks.OnTrigger(ev.ChannelID)
	}
	l.runs.Add(1)
	go func() {
		defer l.runs.Done()
		err := l.archive(ctx, ev)
		if err != nil {
			log.Error().Str("op", "monitor/loop").Msgf("Archiving stream %s of %s failed: %v", ev.StreamID, displayName(ev), err)
		}
		if l.hooks.OnRunDone != nil {
			l.hooks.OnRunDone(ev.ChannelID, err)
		}
	}()
	return true
}

// Channel returns a copy of the tracked state of a channel.
func (l *Loop) Channel(channelID string) (ChannelState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.channels[channelID]
	if !ok {
		return ChannelState{}, false
	}
	return *state, true
}

// Wait blocks until every triggered run has returned.
func (l *Loop) Wait() {
	l.runs.Wait()
}

func (l *Loop) archive(ctx context.Context, ev Event) error {
	started := ev.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	video, err := l.locator.Locate(ctx, ev.ChannelID, started)
	if err != nil {
		return err
	}
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.slots.Release(1)
	log.Info().Str("op", "monitor/loop").Msgf("Archiving VOD %s for stream %s", video.ID, ev.StreamID)
	return l.runner.RunVOD(ctx, video.ID)
}

// feed drives one source through the connection state machine.
func (l *Loop) feed(ctx context.Context, src Source, events chan<- Event) {
	fsm := &connFSM{}
	set := func(e ConnEvent) {
		if err := fsm.fire(e); err != nil {
			log.Error().Str("op", "monitor/loop").Msgf("%s: %v", src.Name(), err)
			return
		}
		log.Debug().Str("op", "monitor/loop").Msgf("%s connection is %s", src.Name(), fsm.state)
		if l.hooks.OnConnState != nil {
			l.hooks.OnConnState(src.Name(), fsm.state)
		}
	}
	set(EvStart)
	defer set(EvStop)
	for ctx.Err() == nil {
		conn, err := src.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("op", "monitor/loop").Msgf("Connecting to %s failed: %v", src.Name(), err)
			set(EvDialFailed)
		} else {
			set(EvDialed)
			l.consume(ctx, src, conn, events)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			set(EvDropped)
		}
		wait := l.backoff.Delay(fsm.failures)
		log.Info().Str("op", "monitor/loop").Msgf("Reconnecting to %s in %s", src.Name(), wait)
		if err := l.backoff.Wait(ctx, fsm.failures); err != nil {
			return
		}
		set(EvBackoffElapsed)
	}
}

func (l *Loop) consume(ctx context.Context, src Source, conn Conn, events chan<- Event) {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Str("op", "monitor/loop").Msgf("%s connection dropped: %v", src.Name(), err)
			}
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func displayName(ev Event) string {
	if ev.Login != "" {
		return ev.Login
	}
	return ev.ChannelID
}
