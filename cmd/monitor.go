package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/vodkeeper/internal/config"
	"github.com/tanq16/vodkeeper/internal/metrics"
	"github.com/tanq16/vodkeeper/internal/monitor"
	"github.com/tanq16/vodkeeper/internal/output"
	"github.com/tanq16/vodkeeper/internal/pipeline"
	"github.com/tanq16/vodkeeper/internal/twitch"
	"github.com/tanq16/vodkeeper/internal/utils"
)

// archiver runs the pipeline for VODs the monitor locates and shows each
// run as a display row.
type archiver struct {
	orch    *pipeline.Orchestrator
	tracker *tracker
}

func (a *archiver) RunVOD(ctx context.Context, vodID string) error {
	row := a.tracker.begin(vodID)
	res, err := a.orch.Run(ctx, vodID)
	a.tracker.finish(row, res, err)
	return err
}

// connections tracks which monitor sources hold a live connection.
type connections struct {
	mu    sync.Mutex
	state map[string]monitor.ConnState
}

func (c *connections) set(source string, s monitor.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[source] = s
}

func (c *connections) healthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.state {
		if s == monitor.Connected {
			return nil
		}
	}
	return errors.New("no monitor source connected")
}

func newMonitorCmd() *cobra.Command {
	var channelsFile string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "monitor --channels FILE",
		Short: "Watch channels and archive every new stream",
		Long: `Subscribes to stream.online notifications for the channels in FILE, over
Twitch EventSub and/or a Redis relay, and archives the VOD of each new stream.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.ReadMonitorFile(channelsFile)
			if err != nil {
				fail(err)
			}
			if cfg.Quality != "" && !cmd.Flags().Changed("quality") {
				quality = cfg.Quality
			}
			if cfg.Privacy != "" && !cmd.Flags().Changed("privacy") {
				privacy = cfg.Privacy
			}
			if cfg.MetricsAddr != "" && !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = cfg.MetricsAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			met := metrics.New()
			display := output.NewManager()
			tracker := newTracker(display)
			orch, tw, err := buildPipeline(ctx, tracker.progress, met)
			if err != nil {
				fail(err)
			}
			if err := orch.ValidateBudget(); err != nil {
				fail(err)
			}
			sources, err := monitorSources(cfg)
			if err != nil {
				fail(err)
			}
			conns := &connections{state: make(map[string]monitor.ConnState)}
			hooks := monitor.Hooks{
				OnConnState: func(source string, state monitor.ConnState) {
					conns.set(source, state)
					met.SourceState(source, state == monitor.Connected)
				},
				OnTrigger: func(channelID string) {
					met.Triggered()
				},
				OnRunDone: func(channelID string, err error) {
					if err != nil {
						log.Error().Str("op", "cmd/monitor").Msgf("Archive for channel %s failed: %v", channelID, err)
					}
				},
			}
			loop := monitor.NewLoop(sources, twitch.NewLocator(tw), &archiver{orch: orch, tracker: tracker}, monitor.Options{
				Channels: cfg.ChannelIDs(),
				MaxRuns:  maxRuns,
				Backoff:  utils.DefaultRetryPolicy,
				Hooks:    hooks,
			})

			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, metricsAddr, metrics.Router(met, conns.healthy)); err != nil {
						log.Error().Str("op", "cmd/monitor").Msgf("Metrics server stopped: %v", err)
					}
				}()
			}
			output.PrintHeader("Monitoring " + channelList(cfg))
			display.StartDisplay()
			err = loop.Run(ctx)
			display.StopDisplay()
			for _, src := range sources {
				if closer, ok := src.(interface{ Close() error }); ok {
					closer.Close()
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
		},
	}

	cmd.Flags().StringVar(&channelsFile, "channels", "channels.yaml", "YAML file listing the channels to watch")
	cmd.Flags().IntVar(&maxRuns, "max-runs", monitor.DefaultMaxRuns, "Archives downloaded at once; the open file budget must cover all of them")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address (e.g. :9090)")
	return cmd
}

// monitorSources builds EventSub when Twitch credentials are set and the
// Redis relay when an address is configured.
func monitorSources(cfg *config.Monitor) ([]monitor.Source, error) {
	var sources []monitor.Source
	if auth := config.Twitch(); auth.Complete() {
		sources = append(sources, monitor.NewEventSubSource(monitor.EventSubConfig{
			ClientID:       auth.ClientID,
			AccessToken:    auth.AccessToken,
			BroadcasterIDs: cfg.ChannelIDs(),
		}, utils.NewHTTPClient(utils.HTTPClientConfig{})))
	}
	addr := cfg.Redis.Addr
	if addr == "" {
		addr = config.GetEnv(utils.EnvRedisAddr, "")
	}
	if addr != "" {
		src, err := monitor.NewRedisSource(monitor.RedisConfig{
			Addr:     addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, utils.NewError(utils.KindNetwork, "cmd/monitor", err)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, utils.Errorf(utils.KindAuthentication, "cmd/monitor", "no monitor source: set %s and %s, or a Redis address", utils.EnvTwitchClientID, utils.EnvTwitchAccessToken)
	}
	return sources, nil
}

func channelList(cfg *config.Monitor) string {
	names := make([]string, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		names[i] = ch.ID
		if ch.Login != "" {
			names[i] = ch.Login
		}
	}
	return strings.Join(names, ", ")
}
