package parser

import (
	"context"
	"encoding/xml"
	"strings"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

type deadlockGraph struct {
	VictimList struct {
		Victims []struct {
			ID string `xml:"id,attr"`
		} `xml:"victimProcess"`
	} `xml:"victim-list"`
	ProcessList struct {
		Processes []deadlockProcess `xml:"process"`
	} `xml:"process-list"`
}

type deadlockProcess struct {
	ID           string `xml:"id,attr"`
	SPID         string `xml:"spid,attr"`
	WaitResource string `xml:"waitresource,attr"`
	InputBuf     string `xml:"inputbuf"`
}

// DeadlockReport parses xml_deadlock_report events into one row per
// deadlock, keyed by the victim session.
type DeadlockReport struct {
	logger *zap.Logger
}

func NewDeadlockReport(logger *zap.Logger) *DeadlockReport {
	return &DeadlockReport{logger: logger}
}

func (p *DeadlockReport) Parse(ctx context.Context, events []models.RawEvent) ([]models.Snapshot, error) {
	out := make([]models.Snapshot, 0, len(events))
	for _, e := range events {
		ev, err := unmarshalEvent(e.Payload)
		if err != nil {
			p.logger.Warn("Skipping malformed deadlock payload",
				zap.Int64("event_id", e.ID), zap.Error(err))
			continue
		}
		body, ok := ev.dataValue("xml_report")
		if !ok {
			p.logger.Warn("Deadlock event without graph body",
				zap.Int64("event_id", e.ID))
			continue
		}

		var wrapper struct {
			Graph deadlockGraph `xml:"deadlock"`
		}
		if err := xml.Unmarshal([]byte("<v>"+body+"</v>"), &wrapper); err != nil {
			p.logger.Warn("Skipping malformed deadlock graph",
				zap.Int64("event_id", e.ID), zap.Error(err))
			continue
		}
		g := wrapper.Graph

		victim := victimProcess(g)
		if victim == nil {
			p.logger.Warn("Deadlock graph without identifiable victim",
				zap.Int64("event_id", e.ID))
			continue
		}

		out = append(out, models.Snapshot{
			CollectionTime: e.EventTime,
			EntityKey:      "spid_" + victim.SPID,
			Gauges: map[string]float64{
				"process_count": float64(len(g.ProcessList.Processes)),
			},
			Labels: map[string]string{
				"victim_id":        victim.SPID,
				"wait_resource":    victim.WaitResource,
				"victim_statement": strings.TrimSpace(victim.InputBuf),
			},
		})
	}
	return out, nil
}

// victimProcess resolves the victim-list reference into its process-list
// entry. Falls back to the first process when the graph names no victim.
func victimProcess(g deadlockGraph) *deadlockProcess {
	procs := g.ProcessList.Processes
	if len(procs) == 0 {
		return nil
	}
	for _, v := range g.VictimList.Victims {
		for i := range procs {
			if procs[i].ID == v.ID {
				return &procs[i]
			}
		}
	}
	return &procs[0]
}
