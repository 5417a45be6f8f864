package activity

import (
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/normalizer"
	"github.com/marketlens/fillx/pkg/redis"
)

type Context struct {
	Logger *zap.Logger
	Writer *normalizer.Writer
	// Redis is optional; nil disables partition events.
	Redis *redis.Client
}
