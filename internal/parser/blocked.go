package parser

import (
	"context"
	"encoding/xml"
	"strings"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

type blockedProcessReport struct {
	Blocked struct {
		Process blockedProcess `xml:"process"`
	} `xml:"blocked-process"`
	Blocking struct {
		Process blockedProcess `xml:"process"`
	} `xml:"blocking-process"`
}

type blockedProcess struct {
	SPID         string `xml:"spid,attr"`
	WaitTime     int64  `xml:"waittime,attr"`
	WaitResource string `xml:"waitresource,attr"`
	InputBuf     string `xml:"inputbuf"`
}

// BlockedReport parses blocked_process_report events into one row per
// report, keyed by the blocked session.
type BlockedReport struct {
	logger *zap.Logger
}

func NewBlockedReport(logger *zap.Logger) *BlockedReport {
	return &BlockedReport{logger: logger}
}

func (p *BlockedReport) Parse(ctx context.Context, events []models.RawEvent) ([]models.Snapshot, error) {
	out := make([]models.Snapshot, 0, len(events))
	for _, e := range events {
		ev, err := unmarshalEvent(e.Payload)
		if err != nil {
			p.logger.Warn("Skipping malformed blocked process payload",
				zap.Int64("event_id", e.ID), zap.Error(err))
			continue
		}
		body, ok := ev.dataValue("blocked_process")
		if !ok {
			p.logger.Warn("Blocked process event without report body",
				zap.Int64("event_id", e.ID))
			continue
		}

		var wrapper struct {
			Report blockedProcessReport `xml:"blocked-process-report"`
		}
		if err := xml.Unmarshal([]byte("<v>"+body+"</v>"), &wrapper); err != nil {
			p.logger.Warn("Skipping malformed blocked process report",
				zap.Int64("event_id", e.ID), zap.Error(err))
			continue
		}
		r := wrapper.Report
		if r.Blocked.Process.SPID == "" {
			continue
		}

		out = append(out, models.Snapshot{
			CollectionTime: e.EventTime,
			EntityKey:      "spid_" + r.Blocked.Process.SPID,
			Gauges: map[string]float64{
				"wait_time_ms": float64(r.Blocked.Process.WaitTime),
			},
			Labels: map[string]string{
				"blocked_spid":       r.Blocked.Process.SPID,
				"blocking_spid":      r.Blocking.Process.SPID,
				"wait_resource":      r.Blocked.Process.WaitResource,
				"blocked_statement":  strings.TrimSpace(r.Blocked.Process.InputBuf),
				"blocking_statement": strings.TrimSpace(r.Blocking.Process.InputBuf),
			},
		})
	}
	return out, nil
}
