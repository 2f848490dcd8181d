package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// maxRawBody bounds the body text kept in [ProcessedError.Raw].
const maxRawBody = 4096

var (
	expiryKeywords   = []string{"expir"}
	storageKeywords  = []string{"database", "deadlock", "connection failed", "sqlstate", "transaction", "lock wait"}
	fileKeywords     = []string{"file", "upload", "attachment", "mime", "too large"}
	workflowKeywords = []string{"workflow", "transition", "state", "status", "not allowed", "business rule"}
)

// Classifier turns errors into [ProcessedError] values. The zero value is
// ready to use.
type Classifier struct {
	// UserAgent and SessionID are copied into every [Context].
	UserAgent string
	SessionID string

	// Now is the clock. Default: [time.Now].
	Now func() time.Time

	// NewID generates correlation IDs. Default: random UUIDv4.
	NewID func() string
}

var defaultClassifier Classifier

// Classify classifies err with a zero-value [Classifier].
func Classify(ctx context.Context, err error) *ProcessedError {
	return defaultClassifier.Classify(ctx, err)
}

// Classify maps err onto the taxonomy. Rules are evaluated in order and the
// first match wins:
//
//  1. transport failure: NETWORK family by error code
//  2. 401 whose body mentions expiry: AUTH.TOKEN_EXPIRED
//  3. 422 with a per-field "errors" map: VALIDATION.SCHEMA_VIOLATION
//  4. 5xx mentioning a storage failure: DATABASE family
//  5. 413, 415 or a 4xx mentioning files: FILE family
//  6. 409 mentioning a workflow rule: BUSINESS.WORKFLOW_VIOLATION
//  7. anything else, including a plain 401: UNKNOWN.UNKNOWN with a category
//     from the status bucket
//
// An err that already is a [*ProcessedError] is returned unchanged. Classify
// never panics.
func (c *Classifier) Classify(ctx context.Context, err error) (p *ProcessedError) {
	if err == nil {
		err = errors.New("apierror: classify called with nil error")
	}
	var done *ProcessedError
	if errors.As(err, &done) {
		return done
	}

	defer func() {
		if r := recover(); r != nil {
			p = c.newProcessed(ctx, err)
			p.Message = "unclassifiable error: " + safeCall(err.Error)
			p.Raw = opaqueMarker
			c.finish(p)
		}
	}()

	p = c.newProcessed(ctx, err)
	switch raw := FromError(err).(type) {
	case *TransportError:
		classifyTransport(p, raw)
	case *ResponseError:
		classifyResponse(p, raw)
	case *ExceptionError:
		p.Type = TypeUnknown
		p.Category = CategoryHigh
		p.Message = raw.Error()
		p.Stack = raw.Stack
		p.Raw = map[string]any{"kind": "exception", "error": p.Message}
	}
	c.finish(p)
	return p
}

func (c *Classifier) newProcessed(ctx context.Context, err error) *ProcessedError {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	id := uuid.NewString
	if c.NewID != nil {
		id = c.NewID
	}

	p := &ProcessedError{
		Type:          TypeUnknown,
		Err:           err,
		CorrelationID: id(),
		Context: Context{
			Timestamp: now(),
			UserAgent: c.UserAgent,
			SessionID: c.SessionID,
		},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		p.Context.TraceID = sc.TraceID().String()
	}
	return p
}

// finish fills the taxonomy-derived fields.
func (c *Classifier) finish(p *ProcessedError) {
	info, ok := taxonomy[p.Type]
	if !ok {
		p.Type = TypeUnknown
		info = taxonomy[TypeUnknown]
	}
	p.Family = p.Type.Family()
	if p.Category == "" {
		p.Category = info.category
	}
	p.Recoverable = info.recoverable
	p.Retryable = info.retryable
	p.UserMessage = info.userMessage
}

func classifyTransport(p *ProcessedError, te *TransportError) {
	switch te.Code {
	case CodeConnRefused:
		p.Type = TypeConnectionRefused
	case CodeTimeout, CodeConnAborted:
		p.Type = TypeTimeout
	case CodeHostNotFound:
		p.Type = TypeDNSFailure
	default:
		p.Type = TypeUnreachable
	}
	p.Context.URL = te.URL
	p.Context.Method = te.Method
	p.Message = te.Error()
	if te.Err != nil {
		p.Message = te.Err.Error()
	}
	p.Raw = map[string]any{
		"kind":   "transport",
		"code":   te.Code,
		"op":     te.Op,
		"url":    te.URL,
		"method": te.Method,
		"error":  p.Message,
	}
}

func classifyResponse(p *ProcessedError, re *ResponseError) {
	p.StatusCode = re.Status
	p.Context.URL = re.URL
	p.Context.Method = re.Method

	text := string(re.Body)
	body := re.Data
	if body == nil && len(re.Body) > 0 {
		var v any
		if json.Unmarshal(re.Body, &v) == nil {
			body = v
		}
	}
	obj, _ := body.(map[string]any)

	p.Message = bodyMessage(body)
	if p.Message == "" && body == nil {
		p.Message = strings.TrimSpace(text)
	}
	if p.Message == "" {
		p.Message = http.StatusText(re.Status)
	}

	rawBody := body
	if rawBody == nil {
		rawBody = truncate(text, maxRawBody)
	}
	p.Raw = Sanitize(map[string]any{
		"kind":   "response",
		"status": re.Status,
		"url":    re.URL,
		"method": re.Method,
		"body":   rawBody,
	})

	hay := strings.ToLower(p.Message + " " + text + " " + stringField(obj, "error") + " " + stringField(obj, "code"))
	status := re.Status

	switch {
	case status == http.StatusUnauthorized && containsAny(hay, expiryKeywords):
		p.Type = TypeTokenExpired

	case status == http.StatusUnprocessableEntity && fieldErrors(obj) != nil:
		p.Type = TypeSchemaViolation
		p.Details = fieldErrors(obj)

	case status >= 500 && containsAny(hay, storageKeywords):
		switch {
		case containsAny(hay, []string{"deadlock", "lock wait"}):
			p.Type = TypeDeadlock
		case containsAny(hay, []string{"connection failed", "connection refused", "could not connect", "too many connections"}):
			p.Type = TypeDBConnection
		default:
			p.Type = TypeQueryFailed
		}

	case status == http.StatusRequestEntityTooLarge || status == http.StatusUnsupportedMediaType ||
		(status >= 400 && status < 500 && containsAny(hay, fileKeywords)):
		switch {
		case status == http.StatusRequestEntityTooLarge || containsAny(hay, []string{"too large", "size"}):
			p.Type = TypeFileTooLarge
		case status == http.StatusUnsupportedMediaType || containsAny(hay, []string{"type", "mime", "extension", "format"}):
			p.Type = TypeFileInvalidType
		default:
			p.Type = TypeUploadFailed
		}

	case status == http.StatusConflict && containsAny(hay, workflowKeywords):
		p.Type = TypeWorkflowViolation

	default:
		p.Type = TypeUnknown
		p.Category = statusCategory(status)
	}
}

// statusCategory buckets an HTTP status into a severity.
func statusCategory(status int) Category {
	switch {
	case status >= 500:
		return CategoryHigh
	case status >= 400:
		return CategoryMedium
	default:
		return CategoryHigh
	}
}

// bodyMessage extracts a human message from a decoded body: a bare string,
// "message", "error" as a string, or "error.message".
func bodyMessage(body any) string {
	switch b := body.(type) {
	case string:
		return b
	case map[string]any:
		if s := stringField(b, "message"); s != "" {
			return s
		}
		if s := stringField(b, "error"); s != "" {
			return s
		}
		if inner, ok := b["error"].(map[string]any); ok {
			return stringField(inner, "message")
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// fieldErrors returns the non-empty per-field "errors" map of a body.
func fieldErrors(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	m, ok := obj["errors"].(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	return m
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// FieldMessages flattens a validation details map into one message per
// invalid field value, ordered by field name. Values may be a string or a list
// of strings.
func FieldMessages(details map[string]any) []FieldMessage {
	var out []FieldMessage
	for _, field := range slices.Sorted(maps.Keys(details)) {
		switch x := details[field].(type) {
		case string:
			out = append(out, FieldMessage{Field: field, Message: x})
		case []any:
			for _, e := range x {
				if s, ok := e.(string); ok {
					out = append(out, FieldMessage{Field: field, Message: s})
				}
			}
		case []string:
			for _, s := range x {
				out = append(out, FieldMessage{Field: field, Message: s})
			}
		}
	}
	return out
}

// FieldMessage is a single validation message for one field.
type FieldMessage struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
