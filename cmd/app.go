package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/config"
	"github.com/tanq16/vodkeeper/internal/hls"
	"github.com/tanq16/vodkeeper/internal/pipeline"
	"github.com/tanq16/vodkeeper/internal/segments"
	"github.com/tanq16/vodkeeper/internal/twitch"
	"github.com/tanq16/vodkeeper/internal/utils"
	"github.com/tanq16/vodkeeper/internal/youtube"
)

// Uploads stream one chunk per request, so the timeout covers a slow chunk.
const uploadTimeout = 10 * time.Minute

var privacyStatuses = []string{"public", "unlisted", "private"}

// maxRuns is the number of archives that may download at once. Only the
// monitor command raises it.
var maxRuns = 1

// buildPipeline wires the clients of one process. Credentials come from the
// environment and are handed to the components as values.
func buildPipeline(ctx context.Context, onProgress func(pipeline.Progress), rec pipeline.Recorder) (*pipeline.Orchestrator, *twitch.Client, error) {
	if parallelism < 1 {
		return nil, nil, utils.Errorf(utils.KindResourceLimit, "cmd/app", "--parallelism must be at least 1, got %d", parallelism)
	}
	if !slices.Contains(privacyStatuses, privacy) {
		return nil, nil, utils.Errorf(utils.KindUnknown, "cmd/app", "--privacy must be one of %s", strings.Join(privacyStatuses, ", "))
	}
	tokens, err := youtube.TokenSource(ctx, config.YouTubeCredentials())
	if err != nil {
		return nil, nil, err
	}
	if maxRuns < 1 {
		return nil, nil, utils.Errorf(utils.KindResourceLimit, "cmd/app", "--max-runs must be at least 1, got %d", maxRuns)
	}
	budget, err := segments.QueryBudget(parallelism * maxRuns)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("op", "cmd/app").Msgf("Open file budget: soft %d, hard %d, need %d", budget.Soft, budget.Hard, segments.Required(parallelism*maxRuns))

	retry := utils.DefaultRetryPolicy
	segHTTP := utils.NewHTTPClient(utils.HTTPClientConfig{
		MaxConnsPerHost: parallelism,
		HighThreadMode:  parallelism > 8,
	})
	uploadHTTP := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: uploadTimeout})

	tw := twitch.NewClient(segHTTP, retry)
	uploader := youtube.NewUploader(uploadHTTP, tokens, retry)
	orch := pipeline.New(tw, hls.NewResolver(segHTTP, retry), uploader, segHTTP, pipeline.Options{
		TempDir:     tempDir,
		Parallelism: parallelism,
		Quality:     quality,
		Privacy:     privacy,
		Cleanup:     cleanup,
		Retry:       retry,
		Budget:      budget,
		OnProgress:  onProgress,
		Recorder:    rec,

		ConcurrentRuns: maxRuns,
	})
	return orch, tw, nil
}

func runLabel(vodID string) string {
	return fmt.Sprintf("VOD %s", vodID)
}
