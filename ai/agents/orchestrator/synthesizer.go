package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hrygo/divinesense-router/ai/routing"
)

const noPlanText = "I'm not sure how to help with that yet."

// synthesizer merges terminal task results into one reply. The failure
// enumeration is never polished or dropped.
type synthesizer struct {
	summarizer Summarizer
	logger     *slog.Logger
}

func (s *synthesizer) synthesize(ctx context.Context, request string, plan *Plan) (State, string, []TaskReport) {
	reports := make([]TaskReport, 0, len(plan.Tasks))
	var done, notDone []TaskReport
	for _, t := range plan.Tasks {
		r := report(t)
		reports = append(reports, r)
		if r.Status == TaskDone {
			done = append(done, r)
		} else {
			notDone = append(notDone, r)
		}
	}

	switch {
	case len(notDone) == 0:
		return StateCompleted, s.successText(ctx, request, done, false), reports
	case len(done) == 0:
		var sb strings.Builder
		sb.WriteString("I couldn't complete your request:")
		writeNotDone(&sb, notDone)
		return StateFailed, sb.String(), reports
	default:
		var sb strings.Builder
		sb.WriteString(s.successText(ctx, request, done, true))
		sb.WriteString("\n\nNot done:")
		writeNotDone(&sb, notDone)
		return StatePartiallyCompleted, sb.String(), reports
	}
}

// successText renders the completed part. With a summarizer it is polished;
// a summarizer failure falls back to the plain enumeration.
func (s *synthesizer) successText(ctx context.Context, request string, done []TaskReport, partial bool) string {
	if s.summarizer != nil {
		results := make([]string, 0, len(done))
		for _, r := range done {
			results = append(results, fmt.Sprintf("%s: %s", r.Description, r.Text))
		}
		text, err := s.summarizer.Summarize(ctx, request, results)
		if err == nil && strings.TrimSpace(text) != "" {
			if partial {
				return "Done: " + strings.TrimSpace(text)
			}
			return strings.TrimSpace(text)
		}
		s.logger.WarnContext(ctx, "summarizer failed, using plain results", "error", err)
	}

	if len(done) == 1 && !partial {
		return done[0].Text
	}
	var sb strings.Builder
	sb.WriteString("Done:")
	for _, r := range done {
		fmt.Fprintf(&sb, "\n- %s", r.Description)
		if r.Text != "" {
			fmt.Fprintf(&sb, ": %s", r.Text)
		}
	}
	return sb.String()
}

func writeNotDone(sb *strings.Builder, notDone []TaskReport) {
	for _, r := range notDone {
		fmt.Fprintf(sb, "\n- %s (%s)", r.Description, r.Reason)
	}
}

func report(t *TaskNode) TaskReport {
	r := TaskReport{
		ID:          t.ID,
		Domain:      t.Domain,
		Description: t.Description,
		DependsOn:   t.DependsOn,
		Status:      t.Status(),
	}
	if t.Intent != nil {
		r.IntentName = t.Intent.IntentName
	}
	if res := t.Result(); res != nil && r.Status == TaskDone {
		r.Text = res.Text
		r.Data = res.Data
	}
	if r.Status != TaskDone {
		r.Reason = reasonText(r.Status, t.Reason())
	}
	return r
}

// reasonText maps a failure to a short user-safe category.
func reasonText(status TaskStatus, err error) string {
	switch {
	case status == TaskTimedOut || errors.Is(err, routing.ErrTimedOut):
		return "timed out"
	case errors.Is(err, ErrUpstreamFailure):
		return "skipped because an earlier step failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, routing.ErrNotFound):
		return "no longer available"
	default:
		return "failed"
	}
}
