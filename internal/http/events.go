package http

import (
	"context"
	"time"

	"collabverse/internal/amqp"
	"collabverse/internal/log"
)

const publishTimeout = 5 * time.Second

// emit logs the audit line and publishes msg. Publish failures are logged
// and never fail the request that caused the event.
func (s *Server) emit(ctx context.Context, msg *amqp.ExpenseEventMessage) {
	fields := log.NewFields().WithExpense(msg.ExpenseID, msg.ProjectID, msg.Status)
	if msg.PreviousStatus != "" {
		fields[log.FieldPreviousStatus] = msg.PreviousStatus
	}
	s.audit.LogAudit(ctx, string(msg.Type), msg.ActorID, fields)

	if s.events == nil {
		return
	}

	// The write already happened, so a client disconnect must not drop the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishExpenseEvent(pubCtx, msg); err != nil {
		s.audit.LogError(ctx, "Failed to publish audit event", err, log.ComponentAMQP, log.OpPublish, fields)
	}
}
