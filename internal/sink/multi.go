package sink

import (
	"context"
	"errors"
	"io"

	"insiderwatch/internal/engine"
	"insiderwatch/internal/model"
)

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []engine.ActivitySink

// New drops nil sinks and returns nil when nothing is left, so callers can
// hand the result straight to the recorder.
func New(sinks ...engine.ActivitySink) engine.ActivitySink {
	var m Multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m Multi) SaveActivity(ctx context.Context, ev model.ActivityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveActivity(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
