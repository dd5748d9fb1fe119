package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecover_TerminalTaskIsNotFlaggedAsCrashed(t *testing.T) {
	records := []Record{
		{Seq: 1, Kind: KindTaskCreated, TaskID: "t1"},
		{Seq: 2, Kind: KindTaskDispatched, TaskID: "t1"},
		{Seq: 3, Kind: KindTaskTerminal, TaskID: "t1"},
	}

	summary := Recover(records)
	outcome := summary.Tasks["t1"]
	assert.NotNil(t, outcome)
	assert.False(t, outcome.RecoveredFromCrash)
	assert.Equal(t, KindTaskTerminal, outcome.LastKind)
}

func TestRecover_InFlightTaskIsFlaggedAsCrashed(t *testing.T) {
	records := []Record{
		{Seq: 1, Kind: KindTaskCreated, TaskID: "t2"},
		{Seq: 2, Kind: KindTaskDispatched, TaskID: "t2"},
	}

	summary := Recover(records)
	outcome := summary.Tasks["t2"]
	assert.NotNil(t, outcome)
	assert.True(t, outcome.RecoveredFromCrash)
}

func TestRecover_QuotaRollAccumulatesLatestWindow(t *testing.T) {
	records := []Record{
		{Seq: 1, Kind: KindQuotaRoll, Payload: map[string]any{"providerId": "openai", "used": float64(10)}},
		{Seq: 2, Kind: KindQuotaRoll, Payload: map[string]any{"providerId": "openai", "used": float64(25)}},
	}

	summary := Recover(records)
	q := summary.Quotas["openai"]
	assert.NotNil(t, q)
	assert.Equal(t, int64(25), q.Used)
	assert.Equal(t, int64(2), q.WindowSeq)
}

func TestRecover_IdempotentQuotaRollDoesNotRegress(t *testing.T) {
	records := []Record{
		{Seq: 1, Kind: KindQuotaRoll, Idempotent: true, Payload: map[string]any{"providerId": "openai", "used": float64(25)}},
		{Seq: 1, Kind: KindQuotaRoll, Idempotent: true, Payload: map[string]any{"providerId": "openai", "used": float64(10)}},
	}

	summary := Recover(records)
	assert.Equal(t, int64(25), summary.Quotas["openai"].Used)
}
