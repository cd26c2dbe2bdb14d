package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()

	m.SettlementsTotal.WithLabelValues("purchase", "ok").Inc()
	m.LedgerCASRetries.Add(2)
	m.OutboxMessages.WithLabelValues("PENDING").Set(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("purchase", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerCASRetries))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OutboxMessages.WithLabelValues("PENDING")))

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["settlements_total"])
	assert.True(t, names["ledger_cas_retries_total"])
	assert.True(t, names["outbox_messages"])
}
