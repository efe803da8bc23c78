package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/saga"
)

// Recovery converts a panic anywhere below it in the chain into a delivery
// error, so the message is rejected and redelivered instead of killing the
// consumer goroutine.
func Recovery(log logger.Logger) saga.Middleware {
	return func(pc *saga.PipelineContext, next func() error) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in saga pipeline: %v", r)
				log.ErrorContext(pc.Ctx, "recovered panic in saga pipeline",
					"saga", pc.SagaName,
					"msg_type", pc.Envelope.Type,
					"correlation_id", pc.CorrelationID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		return next()
	}
}
