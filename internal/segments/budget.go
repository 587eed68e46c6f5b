package segments

import (
	"fmt"

	"github.com/tanq16/vodkeeper/internal/utils"
)

// DescriptorReserve covers stdio, the log file, DNS and the upload client.
const DescriptorReserve = 64

// Budget is the process file-descriptor allowance, queried once at start.
// A zero Soft limit means the platform reports none.
type Budget struct {
	Soft uint64
	Hard uint64
}

// Required is the descriptor count a download with parallelism p needs:
// one socket and one file per in-flight segment.
func Required(p int) uint64 {
	return uint64(2*p + DescriptorReserve)
}

// Validate fails fast when parallelism cannot fit in the budget.
func (b Budget) Validate(parallelism int) error {
	return b.ValidateRuns(parallelism, 1)
}

// ValidateRuns checks runs downloads of the given parallelism going at once.
func (b Budget) ValidateRuns(parallelism, runs int) error {
	if b.Soft == 0 {
		return nil
	}
	runs = max(runs, 1)
	need := Required(parallelism * runs)
	if need <= b.Soft {
		return nil
	}
	maxP := 0
	if b.Soft > DescriptorReserve {
		maxP = int((b.Soft-DescriptorReserve)/2) / runs
	}
	what := fmt.Sprintf("parallelism %d", parallelism)
	if runs > 1 {
		what = fmt.Sprintf("%d concurrent runs at parallelism %d", runs, parallelism)
	}
	return utils.Errorf(utils.KindResourceLimit, "segments/budget",
		"%s needs %d open files but the limit is %d; raise it with `ulimit -n %d` or use --parallelism %d or lower",
		what, need, b.Soft, need, maxP)
}
