package clock

import (
	"time"

	"go.uber.org/fx"
)

var Module = fx.Provide(NewSystemClock)

// Clock abstracts time.Now so schedulers and metering ticks are testable.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func NewSystemClock() Clock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
