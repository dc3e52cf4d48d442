package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-karan/dnswatch/model"
)

func seedLogs() *Aggregator {
	a := New(DefaultConfig())
	a.Ingest(rec("www.Example.com", model.QueryTypeA, epoch))
	a.Ingest(rec("api.example.com", model.QueryTypeAAAA, epoch.Add(time.Minute)))
	a.Ingest(rec("mail.other.org", model.QueryTypeMX, epoch.Add(2*time.Minute)))
	a.Ingest(rec("cdn.example.com", model.QueryTypeA, epoch.Add(3*time.Minute)))
	return a
}

func TestLogsNewestFirstByDefault(t *testing.T) {
	page, total := seedLogs().Logs(LogFilter{Limit: 2})
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "cdn.example.com", page[0].Domain)
	assert.Equal(t, "mail.other.org", page[1].Domain)
}

func TestLogsFilters(t *testing.T) {
	a := seedLogs()
	typeA := model.QueryTypeA

	page, total := a.Logs(LogFilter{Domain: "EXAMPLE", QueryType: &typeA, Ascending: true})
	assert.Equal(t, 2, total)
	require.Len(t, page, 2)
	assert.Equal(t, "www.Example.com", page[0].Domain)

	page, total = a.Logs(LogFilter{From: epoch.Add(time.Minute), To: epoch.Add(2 * time.Minute)})
	assert.Equal(t, 2, total)
	require.Len(t, page, 2)
	assert.Equal(t, "mail.other.org", page[0].Domain)
}

func TestLogsOffset(t *testing.T) {
	page, total := seedLogs().Logs(LogFilter{Offset: 3, Limit: 10})
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)
	assert.Equal(t, "www.Example.com", page[0].Domain)

	page, total = seedLogs().Logs(LogFilter{Offset: 10, Limit: 10})
	assert.Equal(t, 4, total)
	assert.Empty(t, page)
}
