//go:build linux || darwin

package segments

import (
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
	"golang.org/x/sys/unix"
)

// QueryBudget reads RLIMIT_NOFILE and raises the soft limit toward the hard
// limit when parallelism needs more than the current soft limit.
func QueryBudget(parallelism int) (Budget, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return Budget{}, utils.NewError(utils.KindResourceLimit, "segments/budget", err)
	}
	budget := Budget{Soft: uint64(rl.Cur), Hard: uint64(rl.Max)}
	need := Required(parallelism)
	if budget.Soft >= need {
		return budget, nil
	}
	target := need
	if target > budget.Hard {
		target = budget.Hard
	}
	raised := unix.Rlimit{Cur: target, Max: rl.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		log.Warn().Str("op", "segments/budget").Msgf("Could not raise open file limit from %d to %d: %v", budget.Soft, target, err)
		return budget, nil
	}
	log.Debug().Str("op", "segments/budget").Msgf("Raised open file limit from %d to %d", budget.Soft, target)
	budget.Soft = target
	return budget, nil
}
