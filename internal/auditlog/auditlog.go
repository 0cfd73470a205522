// Package auditlog establishes the ambient structured-logging convention
// shared by every internal package: a *logrus.Logger injected at
// construction through a With* option, defaulting to the standard logger
// when none is supplied.
package auditlog

import "github.com/sirupsen/logrus"

// Option configures a logging sink on a component.
type Option func(*logrus.Logger)

// WithLogger is an option to specify the logrus logger a component should
// use instead of the package default.
func WithLogger(l *logrus.Logger) Option {
	return func(cur *logrus.Logger) {
		if l != nil {
			*cur = *l
		}
	}
}

// Default returns the shared default logger used when a component is
// constructed without an explicit WithLogger option.
func Default() *logrus.Logger {
	return logrus.StandardLogger()
}

// Resolve applies opts against a copy of Default() and returns the result,
// so that callers never mutate the shared standard logger in place.
func Resolve(opts ...Option) *logrus.Logger {
	l := logrus.New()
	*l = *Default()
	for _, o := range opts {
		o(l)
	}
	return l
}
