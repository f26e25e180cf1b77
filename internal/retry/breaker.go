package retry

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NewCreateInstanceBreaker returns a circuit breaker wrapping
// CreateInstance: repeated instantiation failures for a
// component version (bad code, missing host API) stop retrying
// immediately instead of hammering ComponentService, and recover after a
// cooldown so a transient outage doesn't wedge the breaker open forever.
func NewCreateInstanceBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "create-instance",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}
