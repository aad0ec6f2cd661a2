package peer

import "time"

type Options struct {
	// RetryDelay is the wait before re-offering after a reset.
	RetryDelay time.Duration
	// FallbackDelay is how long the yielding side of a glare waits for the
	// other side's offer before offering itself.
	FallbackDelay time.Duration
	// FailureGrace is how long a broken link may stay broken before the
	// context is closed.
	FailureGrace time.Duration
	// MaxResets bounds context recreations per remote within ResetWindow.
	MaxResets   int
	ResetWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		RetryDelay:    time.Second,
		FallbackDelay: 2 * time.Second,
		FailureGrace:  5 * time.Second,
		MaxResets:     5,
		ResetWindow:   time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.FallbackDelay <= 0 {
		o.FallbackDelay = d.FallbackDelay
	}
	if o.FailureGrace <= 0 {
		o.FailureGrace = d.FailureGrace
	}
	if o.MaxResets <= 0 {
		o.MaxResets = d.MaxResets
	}
	if o.ResetWindow <= 0 {
		o.ResetWindow = d.ResetWindow
	}
	return o
}
