package ipc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// errOverrun marks an inline run that exceeded the budget. It wraps the handler's own
// result so the reply still carries it.
type errOverrun struct {
	took  time.Duration
	cause error
}

func (e *errOverrun) Error() string {
	return fmt.Sprintf("inline handler overran budget (%s)", e.took)
}

func (e *errOverrun) Unwrap() error {
	return e.cause
}

// inlineGuard times high-priority handlers and demotes channels whose handlers keep
// overrunning. One breaker per (mode, channel).
type inlineGuard struct {
	budget   time.Duration
	breakers map[wire.Mode]*[wire.MaxChannels]*gobreaker.CircuitBreaker
	metrics  *Metrics
	logger   *utils.Logger
}

func newInlineGuard(budget time.Duration, failures uint32, cooldown time.Duration, metrics *Metrics, logger *utils.Logger) *inlineGuard {
	if failures == 0 {
		failures = 1
	}
	g := &inlineGuard{
		budget:   budget,
		breakers: make(map[wire.Mode]*[wire.MaxChannels]*gobreaker.CircuitBreaker),
		metrics:  metrics,
		logger:   logger,
	}
	for _, mode := range []wire.Mode{wire.ModeCommand, wire.ModeNotification} {
		var set [wire.MaxChannels]*gobreaker.CircuitBreaker
		for ch := range set {
			set[ch] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        fmt.Sprintf("%s/%d", mode, ch),
				MaxRequests: 1,
				Timeout:     cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				IsSuccessful: func(err error) bool {
					var overrun *errOverrun
					return !errors.As(err, &overrun)
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("Inline channel state changed",
						utils.String("channel", name),
						utils.String("from", from.String()),
						utils.String("to", to.String()))
				},
			})
		}
		g.breakers[mode] = &set
	}
	return g
}

func (g *inlineGuard) breaker(mode wire.Mode, channel uint8) *gobreaker.CircuitBreaker {
	set, ok := g.breakers[mode]
	if !ok || channel >= wire.MaxChannels {
		return nil
	}
	return set[channel]
}

// run executes fn through the channel breaker. ran is false when the breaker refused
// the run; the caller then hands the delivery to the deferred context.
func (g *inlineGuard) run(mode wire.Mode, channel uint8, fn func() ([]byte, error)) (out []byte, ran bool, err error) {
	cb := g.breaker(mode, channel)
	if cb == nil {
		return nil, false, nil
	}
	label := strconv.Itoa(int(channel))

	res, err := cb.Execute(func() (interface{}, error) {
		ran = true
		start := time.Now()
		reply, herr := fn()
		took := time.Since(start)
		g.metrics.InlineRuns.WithLabelValues(label).Inc()
		if took > g.budget {
			g.metrics.InlineOverrun.WithLabelValues(label).Inc()
			return reply, &errOverrun{took: took, cause: herr}
		}
		return reply, herr
	})
	if !ran {
		g.metrics.Demotions.WithLabelValues(label).Inc()
		return nil, false, nil
	}

	var overrun *errOverrun
	if errors.As(err, &overrun) {
		err = overrun.cause
	}
	if res != nil {
		out, _ = res.([]byte)
	}
	return out, true, err
}

// state returns the breaker state name of a channel.
func (g *inlineGuard) state(mode wire.Mode, channel uint8) string {
	cb := g.breaker(mode, channel)
	if cb == nil {
		return "none"
	}
	return cb.State().String()
}
