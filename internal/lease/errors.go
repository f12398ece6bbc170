package lease

import (
	"fmt"
	"time"

	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/model"
)

// PresentError reports a live lease. It is an expected outcome, not a
// failure: errors.Is(err, errclass.ErrLockPresent) holds.
type PresentError struct {
	Key       model.LockKey
	Remaining time.Duration
	// Holder is the marker written by the process holding the lease; it is
	// informational only.
	Holder string
}

func (e *PresentError) Error() string {
	return fmt.Sprintf("lock file present for %s: %s until automatic unlock", e.Key, FormatRemaining(e.Remaining))
}

func (e *PresentError) Unwrap() error {
	return errclass.ErrLockPresent
}

// RemainingSeconds returns Remaining as whole seconds.
func (e *PresentError) RemainingSeconds() int64 {
	return int64(e.Remaining / time.Second)
}

// FormatRemaining renders d as "<m>m <s>s".
func FormatRemaining(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
