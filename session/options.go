package session

import (
	"log/slog"

	"github.com/syssam/tether/commit"
	"github.com/syssam/tether/privacy"
	"github.com/syssam/tether/tracking"
)

type (
	// config holds the settings of a Session.
	config struct {
		logger             *slog.Logger
		maxBatchSize       int
		maxFixupIterations int
		deleteOrphans      bool
		acceptOnSuccess    bool
		metrics            *Metrics
		policy             privacy.Policy
	}

	// Option configures a Session.
	Option func(*config)
)

func defaultConfig() config {
	return config{
		logger:             slog.Default(),
		maxBatchSize:       commit.DefaultMaxBatchSize,
		maxFixupIterations: tracking.DefaultMaxFixupIterations,
		acceptOnSuccess:    true,
	}
}

// WithLogger sets the logger of the session and of its state manager and
// resolver. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxBatchSize limits the commands sent to the store in one call.
// Values below 1 are clamped to 1.
func WithMaxBatchSize(n int) Option {
	return func(c *config) {
		c.maxBatchSize = max(n, 1)
	}
}

// WithMaxFixupIterations bounds the detect and fixup passes of a save.
// Non-positive values keep the default.
func WithMaxFixupIterations(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxFixupIterations = n
		}
	}
}

// DeleteOrphans makes a save delete dependents whose required
// relationship was severed instead of failing with a
// RequiredRelationshipViolationError.
func DeleteOrphans() Option {
	return func(c *config) {
		c.deleteOrphans = true
	}
}

// AcceptAllChangesOnSuccess controls whether a successful save accepts the
// saved entries. Defaults to true. When disabled, the generated values are
// still applied and AcceptAllChanges must be called by the caller.
func AcceptAllChangesOnSuccess(accept bool) Option {
	return func(c *config) {
		c.acceptOnSuccess = accept
	}
}

// WithMetrics records save metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithPolicy evaluates p against every planned command before the store is
// called. A rejected save writes nothing and leaves the tracked state as is.
func WithPolicy(p privacy.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}
