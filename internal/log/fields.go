package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldClientIP       = "client_ip"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldQuery          = "query"
	FieldStatusCode     = "status_code"
	FieldDuration       = "duration_ms"
	FieldSuccess        = "success"
	FieldError          = "error"
	FieldErrorCode      = "error_code"
	FieldOperation      = "operation"
	FieldExpenseID      = "expense_id"
	FieldProjectID      = "project_id"
	FieldWorkspaceID    = "workspace_id"
	FieldStatus         = "status"
	FieldPreviousStatus = "previous_status"
	FieldActorID        = "actor_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldEventType      = "event_type"
	FieldAmountCents    = "amount_cents"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentFinance   = "finance"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentAudit     = "audit"
	ComponentSecurity  = "security"
	ComponentRateLimit = "rate_limit"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operations defines standard operation names
const (
	OpCreate       = "create"
	OpRead         = "read"
	OpUpdate       = "update"
	OpList         = "list"
	OpChangeStatus = "change_status"
	OpPublish      = "publish"
	OpConsume      = "consume"
	OpMigrate      = "migrate"
	OpShutdown     = "shutdown"
	OpStartup      = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	if requestID != "" {
		f[FieldRequestID] = requestID
	}
	return f
}

// WithClientIP adds client IP field
func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithActor adds the acting user
func (f LogFields) WithActor(actorID string) LogFields {
	f[FieldActorID] = actorID
	return f
}

// WithExpense adds expense identity fields; empty values are skipped.
func (f LogFields) WithExpense(expenseID, projectID, status string) LogFields {
	for k, v := range map[string]string{
		FieldExpenseID: expenseID,
		FieldProjectID: projectID,
		FieldStatus:    status,
	} {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	if query != "" {
		f[FieldQuery] = query
	}
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
