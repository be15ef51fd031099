package stream

import (
	"evtransport/transport"
	"time"

	"github.com/pkg/errors"
)

type Options struct {
	ReadTrigger  transport.Trigger
	WriteTrigger transport.Trigger

	// SendTimeout is passed to every Socket.Send as a hint.
	SendTimeout time.Duration

	Pacing PacingOptions
}

// PacingOptions shapes the delay between retries of a short write.
// The first retry after a short write is only deferred behind pending
// events; every further consecutive one waits for the next backoff interval.
type PacingOptions struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxElapsedTime bounds how long a run of short writes may go without
	// the socket accepting a byte before the transport gives up with
	// transport.ErrWriteStalled. Zero never gives up.
	MaxElapsedTime time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadTrigger:  transport.EdgeTriggered,
		WriteTrigger: transport.EdgeTriggered,
		SendTimeout:  time.Hour,
		Pacing:       DefaultPacingOptions(),
	}
}

func DefaultPacingOptions() PacingOptions {
	return PacingOptions{
		InitialInterval:     50 * time.Microsecond,
		MaxInterval:         10 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      30 * time.Second,
	}
}

func (o Options) validate() error {
	for _, t := range []transport.Trigger{o.ReadTrigger, o.WriteTrigger} {
		if t != transport.EdgeTriggered && t != transport.LevelTriggered {
			return errors.Errorf("unknown trigger mode %d", t)
		}
	}
	return o.Pacing.validate()
}

func (o PacingOptions) validate() error {
	if o.InitialInterval <= 0 {
		return errors.New("initial interval must be positive")
	}
	if o.MaxInterval < o.InitialInterval {
		return errors.Errorf("max interval(%s) must not be less than initial interval(%s)", o.MaxInterval, o.InitialInterval)
	}
	if o.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		return errors.New("randomization factor must be within [0, 1]")
	}
	if o.MaxElapsedTime < 0 {
		return errors.New("max elapsed time cannot be negative")
	}
	return nil
}
