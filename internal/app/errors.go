package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"signoff/api/internal/admin"
	"signoff/api/internal/auth"
	"signoff/api/internal/authpw"
	"signoff/api/internal/export"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/store"
	"signoff/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errTeamNotFound(teamID string) *DomainError {
	return domainError(http.StatusNotFound, "TEAM_NOT_FOUND", "Team not found", map[string]any{"teamId": teamID})
}

func errIssueNotFound(issueID string) *DomainError {
	return domainError(http.StatusNotFound, "ISSUE_NOT_FOUND", "Issue not found", map[string]any{"issueId": issueID})
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

// decisionStatus separates bad input from actions the issue's current state
// does not allow.
func decisionStatus(code string) int {
	switch code {
	case workflow.CodeFeedbackRequired, workflow.CodeNoSelection, workflow.CodeUnknownChild, workflow.CodeUnknownAction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var transitionErr *workflow.TransitionError
	if errors.As(err, &transitionErr) {
		details := map[string]any{
			"issueId":    transitionErr.Step.IssueID,
			"identifier": transitionErr.Step.Identifier,
			"to":         transitionErr.Step.To,
		}
		if len(transitionErr.RollbackErrs) > 0 {
			failures := make([]string, 0, len(transitionErr.RollbackErrs))
			for _, rbErr := range transitionErr.RollbackErrs {
				failures = append(failures, rbErr.Error())
			}
			details["rollbackErrors"] = failures
		}
		status, code, _, _ := mapLinearError(transitionErr.Err)
		if code == "SERVER_ERROR" {
			status, code = http.StatusBadGateway, "TRANSITION_FAILED"
		}
		return status, code, "Linear rejected the transition; changes were rolled back", details
	}

	if status, code, message, details := mapLinearError(err); code != "SERVER_ERROR" {
		return status, code, message, details
	}

	switch {
	case errors.Is(err, workflow.ErrUnknownState):
		return http.StatusConflict, "STATE_NOT_CONFIGURED", "The team has no matching workflow state", nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, kv.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrDeactivated):
		return http.StatusForbidden, "ACCOUNT_DEACTIVATED", "Account is deactivated", nil
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrPasswordTooShort):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, admin.ErrInvalidRole):
		return http.StatusBadRequest, "INVALID_ROLE", "Role must be client, reviewer or admin", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be pdf, docx or html", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "DOCX_UNAVAILABLE", "DOCX export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// mapLinearError classifies upstream failures. Anything that is not a
// Linear API error comes back as SERVER_ERROR.
func mapLinearError(err error) (status int, code, message string, details any) {
	var apiErr *linear.APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
	switch apiErr.Kind {
	case linear.KindTeamNotFound:
		return http.StatusNotFound, "TEAM_NOT_FOUND", "Team not found in Linear", nil
	case linear.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Not found in Linear", nil
	case linear.KindUnauthorized:
		return http.StatusBadGateway, "UPSTREAM_AUTH", "Linear rejected the API key", nil
	case linear.KindTypeMismatch:
		return http.StatusBadGateway, "UPSTREAM_TYPE_MISMATCH", "Linear rejected the request shape", map[string]any{"messages": apiErr.Messages}
	case linear.KindRateLimited:
		return http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMITED", "Linear rate limit reached, retry later", nil
	case linear.KindTimeout:
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Linear did not respond in time", nil
	default:
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Linear request failed", nil
	}
}
