package activity

import (
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/aggregator"
)

type Context struct {
	Logger  *zap.Logger
	Builder *aggregator.Builder
}
