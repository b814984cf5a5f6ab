package hostbridge

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// warningCategory keys the warning rate limiter.
type warningCategory struct {
	kind  string
	label string
}

// newWarningLimiter returns nil for an empty rates map (no limit).
func newWarningLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter, err = nil, fmt.Errorf("hostbridge: invalid warning rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// warning returns a warning-level builder, or nil if the category is
// currently rate limited. The nil builder is safe to use.
func (i *Instance) warning(kind, label string) *logiface.Builder[logiface.Event] {
	if i.limiter != nil {
		if _, ok := i.limiter.Allow(warningCategory{kind: kind, label: label}); !ok {
			return nil
		}
	}
	return i.logger.Warning()
}
