// Package fixture manages the lifecycle of a multi-node database cluster shared by a whole test session.
//
// A Controller provisions the cluster lazily on the first Start, resets it to an empty state on every later Start,
// and tears it down on Stop. Main wires a Controller into TestMain so that the cluster is torn down exactly once,
// whether the tests finish normally or the process is interrupted.
package fixture

import (
	"fmt"

	"go.uber.org/zap"
)

const loggerName = "fixture"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Must panics if the last arg in its arg list is an error.
func Must(args ...interface{}) {
	if len(args) == 0 {
		return
	}
	err, ok := args[len(args)-1].(error)
	if ok {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}
