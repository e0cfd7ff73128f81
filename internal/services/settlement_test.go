package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMajorUnits(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{125050, "NGN", "1250.5"},
		{5000, "usd", "50"},
		{1500, "JPY", "1500"},
		{1234, "KWD", "1.234"},
	}
	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			assert.Equal(t, tt.want, MajorUnits(tt.amount, tt.currency).String())
		})
	}
}

func newTestSettlement(t *testing.T) (*SettlementPublisher, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	p := NewSettlementPublisher(client, "settlement:pacs008")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	p.newID = func() string { return "msg-0001" }
	return p, mock
}

func TestSettlementPublisher_Instruction(t *testing.T) {
	p, _ := newTestSettlement(t)

	instr, err := p.Instruction(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, pacs008MessageType, instr.MessageType)
	assert.Equal(t, "TXN-1", instr.Reference)
	assert.Equal(t, "1250.50", instr.Amount)
	assert.Equal(t, "NGN", instr.Currency)
	assert.Contains(t, instr.XML, "msg-0001")
	assert.Contains(t, instr.XML, "TXN-1")
	assert.Contains(t, instr.XML, settlementBIC)
	assert.Contains(t, instr.XML, "CLRG")

	doc := p.CreatePacs008(sampleEvent())
	assert.Equal(t, "1", string(doc.GrpHdr.NbOfTxs))
	require.Len(t, doc.CdtTrfTxInf, 1)
	assert.InDelta(t, 1250.50, doc.CdtTrfTxInf[0].IntrBkSttlmAmt.Value, 0.001)
}

func TestSettlementPublisher_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("completed bank transfer is queued", func(t *testing.T) {
		p, mock := newTestSettlement(t)
		ev := sampleEvent()
		instr, err := p.Instruction(ev)
		require.NoError(t, err)
		data, err := json.Marshal(instr)
		require.NoError(t, err)
		mock.ExpectRPush("settlement:pacs008", data).SetVal(1)

		require.NoError(t, p.Publish(ctx, ev))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other events are ignored", func(t *testing.T) {
		p, mock := newTestSettlement(t)

		withdrawal := sampleEvent()
		withdrawal.TransactionType = models.TypeWithdrawal
		require.NoError(t, p.Publish(ctx, withdrawal))

		failed := sampleEvent()
		failed.Name = models.EventTransactionFailed
		require.NoError(t, p.Publish(ctx, failed))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
