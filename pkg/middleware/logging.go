// Package middleware ships stock middleware for the saga pipeline: logging,
// panic recovery, tracing and duplicate-delivery suppression. All of them
// compose through saga.Middleware and are opt-in.
package middleware

import (
	"time"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/saga"
)

// Logging emits one structured log line per delivery with its outcome and
// duration.
func Logging(log logger.Logger) saga.Middleware {
	return func(pc *saga.PipelineContext, next func() error) error {
		start := time.Now()
		err := next()
		elapsed := time.Since(start)

		args := []any{
			"saga", pc.SagaName,
			"msg_type", pc.Envelope.Type,
			"msg_id", pc.Envelope.ID,
			"correlation_id", pc.CorrelationID,
			"duration_ms", elapsed.Milliseconds(),
		}
		if pc.SagaID != "" {
			args = append(args, "saga_id", pc.SagaID)
		}

		switch {
		case err != nil:
			log.ErrorContext(pc.Ctx, "saga delivery failed", append(args, "error", err)...)
		case pc.PostState == nil:
			log.DebugContext(pc.Ctx, "saga delivery skipped", args...)
		case pc.PostState.IsCompleted:
			log.InfoContext(pc.Ctx, "saga completed", append(args, "version", pc.PostState.Version)...)
		default:
			log.InfoContext(pc.Ctx, "saga delivery handled", append(args, "version", pc.PostState.Version)...)
		}
		return err
	}
}
