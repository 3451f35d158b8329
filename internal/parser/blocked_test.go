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

const blockedPayload = `<event name="blocked_process_report" timestamp="2025-06-02T12:00:00.123Z">
  <data name="duration"><value>13000000</value></data>
  <data name="blocked_process">
    <value>
      <blocked-process-report monitorLoop="42">
        <blocked-process>
          <process id="process24f8" spid="54" waittime="13000" waitresource="KEY: 5:72057594041204736 (8194443284a0)">
            <inputbuf>
SELECT * FROM dbo.orders WITH (HOLDLOCK)
            </inputbuf>
          </process>
        </blocked-process>
        <blocking-process>
          <process id="process1a2b" spid="53">
            <inputbuf>
UPDATE dbo.orders SET status = 2
            </inputbuf>
          </process>
        </blocking-process>
      </blocked-process-report>
    </value>
  </data>
</event>`

func TestBlockedReportParse(t *testing.T) {
	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	p := NewBlockedReport(zap.NewNop())

	rows, err := p.Parse(context.Background(), []models.RawEvent{
		{ID: 1, EventTime: at, Payload: blockedPayload},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	assert.Equal(t, at, r.CollectionTime)
	assert.Equal(t, "spid_54", r.EntityKey)
	assert.Equal(t, 13000.0, r.Gauges["wait_time_ms"])
	assert.Equal(t, "54", r.Labels["blocked_spid"])
	assert.Equal(t, "53", r.Labels["blocking_spid"])
	assert.Contains(t, r.Labels["wait_resource"], "KEY: 5:")
	assert.Contains(t, r.Labels["blocked_statement"], "HOLDLOCK")
	assert.Contains(t, r.Labels["blocking_statement"], "UPDATE dbo.orders")
}

func TestBlockedReportSkipsMalformedPayload(t *testing.T) {
	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	p := NewBlockedReport(zap.NewNop())

	rows, err := p.Parse(context.Background(), []models.RawEvent{
		{ID: 1, EventTime: at, Payload: "<event name="},
		{ID: 2, EventTime: at, Payload: blockedPayload},
	})
	require.NoError(t, err, "a corrupt event must not fail the batch")
	require.Len(t, rows, 1)
	assert.Equal(t, "spid_54", rows[0].EntityKey)
}

func TestBlockedReportMissingBody(t *testing.T) {
	p := NewBlockedReport(zap.NewNop())
	rows, err := p.Parse(context.Background(), []models.RawEvent{
		{ID: 1, Payload: `<event name="blocked_process_report"><data name="duration"><value>1</value></data></event>`},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
