// Package besteffort runs non-critical steps (label rendering, nurse
// assignment, reminder delivery) so that their failure is logged and never
// aborts the caller.
package besteffort

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Do runs fn and reports whether it succeeded. Errors and panics are logged
// at warn level under the given step name.
func Do(ctx context.Context, logger zerolog.Logger, step string, fn func(ctx context.Context) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Str("step", step).Str("panic", fmt.Sprintf("%v", r)).Msg("best-effort step panicked")
			ok = false
		}
	}()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("step", step).Msg("best-effort step failed")
		return false
	}
	return true
}

// Value is Do for steps producing a value. The zero value is returned on failure.
func Value[T any](ctx context.Context, logger zerolog.Logger, step string, fn func(ctx context.Context) (T, error)) (T, bool) {
	var out T
	ok := Do(ctx, logger, step, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, ok
}
