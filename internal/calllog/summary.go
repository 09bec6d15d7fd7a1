package calllog

import (
	"context"
	"errors"
	"time"

	"crm-voice/internal/calls"
)

var ErrInvalidRequest = errors.New("calllog: invalid request")

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest asks for aggregated call metrics over ended calls.
// MailingID narrows the summary to calls placed for one mailing.
type SummaryRequest struct {
	Range     TimeRange `json:"range"`
	MailingID string    `json:"related_mailing_id,omitempty"`
}

type Summary struct {
	Range     TimeRange `json:"range"`
	MailingID string    `json:"related_mailing_id,omitempty"`

	TotalCalls    int `json:"total_calls"`
	IncomingCalls int `json:"incoming_calls"`
	OutgoingCalls int `json:"outgoing_calls"`

	ConnectedCalls   int `json:"connected_calls"`
	FailedCalls      int `json:"failed_calls"`
	UnansweredCalls  int `json:"unanswered_calls"`
	DeclinedCalls    int `json:"declined_calls"`
	RemoteEndedCalls int `json:"remote_ended_calls"`
	LocalEndedCalls  int `json:"local_ended_calls"`

	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`
}

// Summary aggregates entries whose call ended within req.Range.
// Average talk time is over connected calls only.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("calllog: repository not configured")
	}

	rows, err := s.repo.Between(ctx, req.Range.From, req.Range.To, req.MailingID)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{Range: req.Range, MailingID: req.MailingID}
	for _, e := range rows {
		out.TotalCalls++
		switch e.Direction {
		case calls.DirectionIncoming:
			out.IncomingCalls++
		case calls.DirectionOutgoing:
			out.OutgoingCalls++
		}
		if e.ConnectedAt != nil {
			out.ConnectedCalls++
			out.TotalTalkSeconds += e.DurationSeconds
		}
		switch e.Reason {
		case calls.EndReasonFailed:
			out.FailedCalls++
		case calls.EndReasonUnanswered:
			out.UnansweredCalls++
		case calls.EndReasonDeclined:
			out.DeclinedCalls++
		case calls.EndReasonRemoteEnded:
			out.RemoteEndedCalls++
		case calls.EndReasonLocalEnded:
			out.LocalEndedCalls++
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.ConnectedCalls
	}
	return out, nil
}
