package linear

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures from the Linear API.
type ErrorKind string

const (
	KindTeamNotFound ErrorKind = "team_not_found"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindTypeMismatch ErrorKind = "type_mismatch"
	KindRateLimited  ErrorKind = "rate_limited"
	KindTimeout      ErrorKind = "timeout"
	KindServer       ErrorKind = "server"
	KindGraphQL      ErrorKind = "graphql"
)

var (
	ErrTeamNotFound = errors.New("linear: team not found")
	ErrNotFound     = errors.New("linear: entity not found")
	ErrUnauthorized = errors.New("linear: unauthorized")
	ErrTypeMismatch = errors.New("linear: type mismatch")
	ErrRateLimited  = errors.New("linear: rate limited")
	ErrTimeout      = errors.New("linear: timeout")
)

// APIError is returned for every non-transport failure. errors.Is matches
// the sentinel for its kind.
type APIError struct {
	Kind     ErrorKind
	Status   int
	Messages []string
	Err      error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.Join(e.Messages, "; ")
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("linear %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("linear %s: %s", e.Kind, msg)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTeamNotFound:
		return e.Kind == KindTeamNotFound
	case ErrNotFound:
		return e.Kind == KindNotFound || e.Kind == KindTeamNotFound
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrTypeMismatch:
		return e.Kind == KindTypeMismatch
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindServer || e.Kind == KindTimeout
}

type graphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (g graphQLError) code() string {
	if g.Extensions == nil {
		return ""
	}
	if code, ok := g.Extensions["code"].(string); ok {
		return strings.ToUpper(code)
	}
	if typ, ok := g.Extensions["type"].(string); ok {
		return strings.ToUpper(strings.ReplaceAll(typ, " ", "_"))
	}
	return ""
}

// classifyGraphQLErrors picks the most specific kind across all errors.
func classifyGraphQLErrors(errs []graphQLError) *APIError {
	kind := KindGraphQL
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
		lower := strings.ToLower(e.Message)
		switch code := e.code(); {
		case code == "AUTHENTICATION_ERROR" || code == "FORBIDDEN" || strings.Contains(lower, "authentication required"):
			kind = KindUnauthorized
		case code == "RATELIMITED" || code == "RATE_LIMITED":
			if kind == KindGraphQL {
				kind = KindRateLimited
			}
		case code == "ENTITY_NOT_FOUND" || strings.Contains(lower, "entity not found"):
			if kind == KindGraphQL {
				kind = KindNotFound
			}
		case code == "GRAPHQL_VALIDATION_FAILED" || code == "INVALID_INPUT" ||
			strings.Contains(lower, "argument validation error") ||
			strings.Contains(lower, "cannot represent") ||
			strings.Contains(lower, "expected type"):
			if kind == KindGraphQL {
				kind = KindTypeMismatch
			}
		}
	}
	return &APIError{Kind: kind, Messages: messages}
}
