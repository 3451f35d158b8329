package parser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

const deadlockPayload = `<event name="xml_deadlock_report" timestamp="2025-06-02T12:05:00.000Z">
  <data name="xml_report">
    <value>
      <deadlock>
        <victim-list>
          <victimProcess id="process9f1" />
        </victim-list>
        <process-list>
          <process id="process9f1" spid="61" waitresource="PAGE: 5:1:104">
            <inputbuf>
DELETE FROM dbo.sessions WHERE expires_at &lt; @cutoff
            </inputbuf>
          </process>
          <process id="process3c2" spid="62" waitresource="PAGE: 5:1:202">
            <inputbuf>
UPDATE dbo.sessions SET touched_at = @now
            </inputbuf>
          </process>
        </process-list>
        <resource-list />
      </deadlock>
    </value>
  </data>
</event>`

func TestDeadlockReportParse(t *testing.T) {
	at := time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	p := NewDeadlockReport(zap.NewNop())

	rows, err := p.Parse(context.Background(), []models.RawEvent{
		{ID: 1, EventTime: at, Payload: deadlockPayload},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	assert.Equal(t, at, r.CollectionTime)
	assert.Equal(t, "spid_61", r.EntityKey, "row is keyed by the victim")
	assert.Equal(t, 2.0, r.Gauges["process_count"])
	assert.Equal(t, "61", r.Labels["victim_id"])
	assert.Equal(t, "PAGE: 5:1:104", r.Labels["wait_resource"])
	assert.Contains(t, r.Labels["victim_statement"], "DELETE FROM dbo.sessions")
}

func TestDeadlockReportFallsBackToFirstProcess(t *testing.T) {
	payload := `<event name="xml_deadlock_report" timestamp="2025-06-02T12:05:00.000Z">
  <data name="xml_report">
    <value>
      <deadlock>
        <victim-list />
        <process-list>
          <process id="processA" spid="70" waitresource="KEY: 1:1"><inputbuf>A</inputbuf></process>
        </process-list>
      </deadlock>
    </value>
  </data>
</event>`

	p := NewDeadlockReport(zap.NewNop())
	rows, err := p.Parse(context.Background(), []models.RawEvent{{ID: 1, Payload: payload}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "spid_70", rows[0].EntityKey)
}

func TestDeadlockReportEmptyGraphSkipped(t *testing.T) {
	payload := `<event name="xml_deadlock_report" timestamp="2025-06-02T12:05:00.000Z">
  <data name="xml_report"><value><deadlock><process-list /></deadlock></value></data>
</event>`

	p := NewDeadlockReport(zap.NewNop())
	rows, err := p.Parse(context.Background(), []models.RawEvent{{ID: 1, Payload: payload}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
