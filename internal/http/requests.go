package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"collabverse/internal/core"
	"collabverse/internal/services"
	"collabverse/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	maxActorIDLength  = 128
	headerActorID     = "X-Actor-Id"
	headerIdempotency = "Idempotency-Key"
	anonymousActor    = "anonymous"
)

// requestError is a malformed request, reported as VALIDATION_ERROR with
// per-field details.
type requestError struct {
	details map[string]string
}

func (e *requestError) Error() string {
	parts := make([]string, 0, len(e.details))
	for field, tag := range e.details {
		parts = append(parts, field+"="+tag)
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func fieldError(field, tag string) *requestError {
	return &requestError{details: map[string]string{field: tag}}
}

type (
	createExpenseRequest struct {
		WorkspaceID    string  `json:"workspaceId" validate:"required,max=64"`
		ProjectID      string  `json:"projectId" validate:"required,max=64"`
		TaskID         string  `json:"taskId" validate:"max=64"`
		Date           string  `json:"date" validate:"required,max=40"`
		Amount         string  `json:"amount" validate:"required,max=32"`
		Currency       string  `json:"currency" validate:"required,max=8"`
		Category       string  `json:"category" validate:"required,max=100"`
		Description    string  `json:"description" validate:"max=1000"`
		Vendor         string  `json:"vendor" validate:"max=200"`
		PaymentMethod  string  `json:"paymentMethod" validate:"max=50"`
		TaxAmount      *string `json:"taxAmount" validate:"omitempty,max=32"`
		Status         string  `json:"status" validate:"max=20"`
		IdempotencyKey string  `json:"idempotencyKey" validate:"max=255"`
	}

	// updateExpenseRequest: absent fields stay unchanged, "" clears taxAmount.
	updateExpenseRequest struct {
		TaskID        *string `json:"taskId" validate:"omitempty,max=64"`
		Date          *string `json:"date" validate:"omitempty,max=40"`
		Amount        *string `json:"amount" validate:"omitempty,max=32"`
		Currency      *string `json:"currency" validate:"omitempty,max=8"`
		Category      *string `json:"category" validate:"omitempty,max=100"`
		Description   *string `json:"description" validate:"omitempty,max=1000"`
		Vendor        *string `json:"vendor" validate:"omitempty,max=200"`
		PaymentMethod *string `json:"paymentMethod" validate:"omitempty,max=50"`
		TaxAmount     *string `json:"taxAmount" validate:"omitempty,max=32"`
		Status        *string `json:"status" validate:"omitempty,max=20"`
	}

	budgetRequest struct {
		Currency      string                  `json:"currency" validate:"required,max=8"`
		Total         string                  `json:"total" validate:"required,max=32"`
		WarnThreshold *float64                `json:"warnThreshold"`
		Categories    []budgetCategoryRequest `json:"categories" validate:"max=200,dive"`
	}

	budgetCategoryRequest struct {
		Name  string  `json:"name" validate:"required,max=100"`
		Limit *string `json:"limit" validate:"omitempty,max=32"`
	}
)

func (req createExpenseRequest) toInput(idempotencyKey string) services.CreateExpenseInput {
	return services.CreateExpenseInput{
		WorkspaceID:    req.WorkspaceID,
		ProjectID:      req.ProjectID,
		TaskID:         req.TaskID,
		Date:           req.Date,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Category:       req.Category,
		Description:    req.Description,
		Vendor:         req.Vendor,
		PaymentMethod:  req.PaymentMethod,
		TaxAmount:      req.TaxAmount,
		Status:         req.Status,
		IdempotencyKey: idempotencyKey,
	}
}

func (req updateExpenseRequest) toInput() services.UpdateExpenseInput {
	return services.UpdateExpenseInput{
		TaskID:        req.TaskID,
		Date:          req.Date,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Category:      req.Category,
		Description:   req.Description,
		Vendor:        req.Vendor,
		PaymentMethod: req.PaymentMethod,
		TaxAmount:     req.TaxAmount,
		Status:        req.Status,
	}
}

// changesFields reports whether anything besides status is patched.
func (req updateExpenseRequest) changesFields() bool {
	for _, p := range []*string{req.TaskID, req.Date, req.Amount, req.Currency, req.Category,
		req.Description, req.Vendor, req.PaymentMethod, req.TaxAmount} {
		if p != nil {
			return true
		}
	}
	return false
}

func (req budgetRequest) toInput() services.BudgetInput {
	in := services.BudgetInput{
		Currency:      req.Currency,
		Total:         req.Total,
		WarnThreshold: req.WarnThreshold,
		Categories:    make([]services.BudgetCategoryInput, 0, len(req.Categories)),
	}
	for _, c := range req.Categories {
		in.Categories = append(in.Categories, services.BudgetCategoryInput{Name: c.Name, Limit: c.Limit})
	}
	return in
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads one JSON object into dst, rejecting unknown fields
// and trailing data, then runs the struct validation tags.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return fieldError("body", "single_object")
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &requestError{details: processValidationErrors(verrs)}
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

// processValidationErrors maps each failure to {field: tag}. Nested fields keep
// their path below the root, e.g. categories[0].name.
func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
			field = rest
		}
		details[field] = fe.Tag()
	}
	return details
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	var maxErr *http.MaxBytesError

	switch {
	case errors.Is(err, io.EOF):
		return fieldError("body", "required")
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return fieldError(field, "type")
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return fieldError("body", "json")
	case errors.As(err, &maxErr):
		return fieldError("body", "max")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return fieldError(name, "unknown")
	default:
		return fieldError("body", "json")
	}
}

// actorID reads X-Actor-Id, defaulting to anonymous.
func actorID(r *http.Request) (string, error) {
	actor := strings.TrimSpace(r.Header.Get(headerActorID))
	if actor == "" {
		return anonymousActor, nil
	}
	if len(actor) > maxActorIDLength {
		return "", fieldError("actorId", "max")
	}
	return actor, nil
}

// idempotencyKey prefers the header; a body value must agree with it.
func idempotencyKey(r *http.Request, fromBody string) (string, error) {
	header := strings.TrimSpace(r.Header.Get(headerIdempotency))
	body := strings.TrimSpace(fromBody)
	switch {
	case header == "":
		return body, nil
	case body != "" && body != header:
		return "", fieldError("idempotencyKey", "mismatch")
	case len(header) > 255:
		return "", fieldError("idempotencyKey", "max")
	default:
		return header, nil
	}
}

// parseListFilter reads the GET /expenses query. A plain YYYY-MM-DD dateTo
// covers that whole day.
func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{
		ProjectID: strings.TrimSpace(q.Get("projectId")),
		Status:    core.ExpenseStatus(strings.TrimSpace(q.Get("status"))),
		Category:  strings.TrimSpace(q.Get("category")),
		Search:    strings.TrimSpace(q.Get("q")),
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &f.Page}, {"pageSize", &f.PageSize}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fieldError(p.name, "min")
		}
		*p.dst = n
	}

	if raw := strings.TrimSpace(q.Get("dateFrom")); raw != "" {
		d, err := core.ParseDate(raw)
		if err != nil {
			return f, err
		}
		f.DateFrom = &d
	}
	if raw := strings.TrimSpace(q.Get("dateTo")); raw != "" {
		d, err := core.ParseDate(raw)
		if err != nil {
			return f, err
		}
		if len(raw) == len("2006-01-02") {
			d = d.Add(24*time.Hour - time.Nanosecond)
		}
		f.DateTo = &d
	}
	return f, nil
}
