package temporal

import "go.uber.org/zap"

// ZapAdapter bridges zap into Temporal's keyval logger interface.
type ZapAdapter struct{ *zap.SugaredLogger }

// NewZapAdapter wraps a zap logger for the Temporal SDK. Sugared, since the
// SDK hands over loose keyvals.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.Errorw(msg, keyvals...) }
