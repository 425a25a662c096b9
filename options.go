package flowgraph

import "github.com/sirupsen/logrus"

// EngineOption configures a StreamEngine at construction, following the
// teacher's functional-options convention (options.go / util.go's
// defaultOptions + merge pattern), generalized to flowgraph's own config
// surface rather than the teacher's telemetry/provider options.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger       *logrus.Logger
	poolCapacity uint
}

func defaultEngineConfig() engineConfig {
	return engineConfig{logger: defaultLogger, poolCapacity: 4}
}

// WithLogger overrides the engine's structured logger, used for every
// FunctionError record (§7).
func WithLogger(logger *logrus.Logger) EngineOption {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPoolCapacity sets the Pooled scheduler's fixed worker-pool capacity
// (mirrors github.com/ygrebnov/workers/pool.NewFixed's capacity argument).
// Ignored by SingleThreaded and Async engines.
func WithPoolCapacity(n uint) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.poolCapacity = n
		}
	}
}
