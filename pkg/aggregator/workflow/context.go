package workflow

import (
	"github.com/marketlens/fillx/pkg/aggregator/activity"
	"github.com/marketlens/fillx/pkg/temporal"
)

type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
}
