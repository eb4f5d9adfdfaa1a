package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds the process logger. dev selects the human readable console
// encoder; anything else logs JSON.
func New(env, name string) (logr.Logger, func(), error) {
	var (
		zl  *zap.Logger
		err error
	)
	if env == "dev" {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("init zap: %w", err)
	}
	flush := func() { _ = zl.Sync() }
	return zapr.NewLogger(zl).WithName(name), flush, nil
}
