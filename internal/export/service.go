package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"signoff/api/internal/linear"
	"signoff/api/internal/store"
)

// Mirror is the read side of the issue mirror the report is built from.
type Mirror interface {
	GetTeam(ctx context.Context, teamID string) (linear.Team, error)
	TeamIssues(ctx context.Context, teamID string) ([]linear.Issue, error)
}

// EventSource lists review audit rows.
type EventSource interface {
	ListReviewEvents(ctx context.Context, issueID, teamID string, limit int) ([]store.ReviewEvent, error)
}

// Archiver keeps a copy of every generated report.
type Archiver interface {
	Archive(ctx context.Context, key, contentType string, data []byte) error
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service provides report export functionality
type Service struct {
	mirror     Mirror
	events     EventSource
	archive    Archiver
	now        func() time.Time
	renderPDF  renderFunc
	renderDOCX renderFunc
}

type Option func(*Service)

func WithEvents(events EventSource) Option {
	return func(s *Service) { s.events = events }
}

func WithArchiver(archive Archiver) Option {
	return func(s *Service) { s.archive = archive }
}

// NewService creates a new export service
func NewService(mirror Mirror, opts ...Option) *Service {
	s := &Service{
		mirror:     mirror,
		now:        time.Now,
		renderPDF:  exportPDF,
		renderDOCX: exportDOCX,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export generates a team report in the requested format and archives it
// when an archiver is configured. A failed upload is logged and the report
// is still returned.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	team, err := s.mirror.GetTeam(ctx, req.TeamID)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	issues, err := s.mirror.TeamIssues(ctx, req.TeamID)
	if err != nil {
		return nil, fmt.Errorf("team issues: %w", err)
	}

	var events []store.ReviewEvent
	if s.events != nil {
		events, err = s.events.ListReviewEvents(ctx, "", req.TeamID, 200)
		if err != nil {
			return nil, fmt.Errorf("list review events: %w", err)
		}
	}

	generatedAt := s.now().UTC()
	data := BuildReport(team, issues, events, req)
	data.GeneratedAt = generatedAt

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatHTML:
		result = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	case FormatPDF:
		result, err = s.renderPDF(ctx, html, data.Title)
	case FormatDOCX:
		result, err = s.renderDOCX(ctx, html, data.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		key := archiveKey(team, generatedAt, result.Filename)
		if err := s.archive.Archive(ctx, key, result.MimeType, result.Data); err != nil {
			log.Printf("export: archive %s: %v", key, err)
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}

func archiveKey(team linear.Team, at time.Time, filename string) string {
	prefix := team.Key
	if prefix == "" {
		prefix = team.ID
	}
	return fmt.Sprintf("reports/%s/%s-%s", sanitizeFilename(prefix), at.Format("20060102T150405Z"), filename)
}
