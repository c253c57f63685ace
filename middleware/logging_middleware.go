package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostcall/message"
)

// LoggingMiddleware logs every hostcall with its duration and response status slot.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("service", req.Service),
				zap.Duration("duration", time.Since(start)),
				zap.Uint64("slot0", resp.Payload[0]),
			}
			if resp.Error != "" {
				log.Warn("hostcall rejected", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			log.Debug("hostcall served", fields...)
			return resp
		}
	}
}
