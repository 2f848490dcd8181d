// Package apierror normalizes failures of calls to the equipment backend into
// a fixed taxonomy.
//
// Raw failures arrive as one of three [RawError] variants: a transport
// failure where no response was received, an HTTP response with an error
// status, or a bare Go error. [Classifier.Classify] maps any error onto a
// [ProcessedError] carrying a leaf [Type], its [Family], a severity
// [Category], recovery hints and a correlation ID. Classification is
// deterministic apart from the correlation ID and never panics.
package apierror

import (
	"slices"
	"strings"
)

// Family is the top level of the taxonomy.
type Family string

const (
	FamilyNetwork    Family = "NETWORK"
	FamilyAuth       Family = "AUTH"
	FamilyDatabase   Family = "DATABASE"
	FamilyValidation Family = "VALIDATION"
	FamilyFile       Family = "FILE"
	FamilyBusiness   Family = "BUSINESS"
	FamilyUnknown    Family = "UNKNOWN"
)

// Type is a leaf of the taxonomy, written FAMILY.LEAF.
type Type string

const (
	TypeConnectionRefused Type = "NETWORK.CONNECTION_REFUSED"
	TypeTimeout           Type = "NETWORK.TIMEOUT"
	TypeDNSFailure        Type = "NETWORK.DNS_FAILURE"
	TypeUnreachable       Type = "NETWORK.UNREACHABLE"

	TypeTokenExpired Type = "AUTH.TOKEN_EXPIRED"

	TypeDeadlock     Type = "DATABASE.DEADLOCK"
	TypeDBConnection Type = "DATABASE.CONNECTION_FAILED"
	TypeQueryFailed  Type = "DATABASE.QUERY_FAILED"

	TypeSchemaViolation Type = "VALIDATION.SCHEMA_VIOLATION"

	TypeFileTooLarge    Type = "FILE.TOO_LARGE"
	TypeFileInvalidType Type = "FILE.INVALID_TYPE"
	TypeUploadFailed    Type = "FILE.UPLOAD_FAILED"

	TypeWorkflowViolation Type = "BUSINESS.WORKFLOW_VIOLATION"

	TypeUnknown Type = "UNKNOWN.UNKNOWN"
)

// Family returns the family prefix of t.
func (t Type) Family() Family {
	f, _, ok := strings.Cut(string(t), ".")
	if !ok {
		return FamilyUnknown
	}
	return Family(f)
}

// Category is the severity tier of a [Type].
type Category string

const (
	CategoryCritical Category = "CRITICAL"
	CategoryHigh     Category = "HIGH"
	CategoryMedium   Category = "MEDIUM"
	CategoryLow      Category = "LOW"
)

// Rank orders categories from LOW (0) to CRITICAL (3).
func (c Category) Rank() int {
	switch c {
	case CategoryCritical:
		return 3
	case CategoryHigh:
		return 2
	case CategoryMedium:
		return 1
	default:
		return 0
	}
}

type typeInfo struct {
	category    Category
	recoverable bool
	retryable   bool
	userMessage string
}

var taxonomy = map[Type]typeInfo{
	TypeConnectionRefused: {CategoryHigh, true, true, "The equipment service is not accepting connections. Retrying shortly."},
	TypeTimeout:           {CategoryHigh, true, true, "The equipment service took too long to respond. Retrying shortly."},
	TypeDNSFailure:        {CategoryHigh, true, true, "The equipment service could not be located. Check the network connection."},
	TypeUnreachable:       {CategoryHigh, true, true, "The equipment service is unreachable. Check the network connection."},

	TypeTokenExpired: {CategoryHigh, true, false, "Your session expired. Reconnecting."},

	TypeDeadlock:     {CategoryCritical, false, false, "A database conflict occurred. Biomedical engineering has been notified."},
	TypeDBConnection: {CategoryCritical, false, false, "The equipment database is unavailable. Biomedical engineering has been notified."},
	TypeQueryFailed:  {CategoryCritical, false, false, "A database error occurred. Biomedical engineering has been notified."},

	TypeSchemaViolation: {CategoryMedium, false, false, "Some fields are invalid. Please correct them and try again."},

	TypeFileTooLarge:    {CategoryMedium, false, false, "The file is too large."},
	TypeFileInvalidType: {CategoryMedium, false, false, "This file type is not supported."},
	TypeUploadFailed:    {CategoryMedium, false, false, "The file could not be uploaded."},

	TypeWorkflowViolation: {CategoryMedium, false, false, "This action is not allowed in the equipment's current state."},

	TypeUnknown: {CategoryHigh, false, false, "An unexpected error occurred."},
}

// Types returns every leaf type in sorted order.
func Types() []Type {
	out := make([]Type, 0, len(taxonomy))
	for t := range taxonomy {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Known reports whether t is a leaf of the taxonomy.
func Known(t Type) bool {
	_, ok := taxonomy[t]
	return ok
}

// DefaultCategory returns the severity that the taxonomy assigns to t.
func DefaultCategory(t Type) Category {
	if info, ok := taxonomy[t]; ok {
		return info.category
	}
	return CategoryHigh
}
