package worker

import (
	"context"
	"log/slog"

	"collabverse/internal/amqp"
	"collabverse/internal/log"
)

// EventConsumer is the queue side of the AMQP client.
type EventConsumer interface {
	ConsumeExpenseEvents(ctx context.Context, handler amqp.EventHandler) error
}

// AuditWorker turns finance events from the queue into structured audit log lines.
type AuditWorker struct {
	consumer EventConsumer
	audit    *log.StructuredLogger
}

func NewAuditWorker(consumer EventConsumer, logger *log.Logger) *AuditWorker {
	return &AuditWorker{
		consumer: consumer,
		audit:    log.NewStructuredLogger(logger.WithComponent(log.ComponentAudit)),
	}
}

// Run consumes until ctx is cancelled.
func (w *AuditWorker) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Audit worker started")
	return w.consumer.ConsumeExpenseEvents(ctx, w.HandleEvent)
}

// HandleEvent records one event. It never fails: a valid message is always loggable.
func (w *AuditWorker) HandleEvent(ctx context.Context, msg *amqp.ExpenseEventMessage) error {
	fields := log.NewFields().WithExpense(msg.ExpenseID, msg.ProjectID, msg.Status)
	if msg.WorkspaceID != "" {
		fields[log.FieldWorkspaceID] = msg.WorkspaceID
	}
	if msg.PreviousStatus != "" {
		fields[log.FieldPreviousStatus] = msg.PreviousStatus
	}
	fields["occurred_at"] = msg.Timestamp

	w.audit.LogAudit(ctx, string(msg.Type), msg.ActorID, fields)
	return nil
}
