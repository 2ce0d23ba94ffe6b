package async

import (
	"context"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - a context detached from the parent's cancellation but keeping its values
// - panic recovery
// - timeout enforcement
// - error logging through the context logger
//
// Use this instead of bare `go func()` for work that must outlive the request
// that started it, such as history archive uploads.
//
// Example:
//
//	SafeGo(r.Context(), 2*time.Minute, "history archive", func(ctx context.Context) error {
//	    _, err := archiver.Archive(ctx, subjectID, audit.ExportFormatJSON)
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	logger := observability.FromContext(parentCtx).WithField("task", taskName)

	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()

	return done
}
