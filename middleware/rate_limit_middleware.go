package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hostcall/message"
)

// ErrRateLimited is the response error of a request refused by RateLimitMiddleware.
const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware admits at most r requests per second with the given burst, using a
// token bucket. A refused request is never dispatched.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return reject(req, message.CodeRateLimited, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
