package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/shopspring/decimal"
)

const (
	pacs008MessageType = "pacs.008.001.08"
	settlementBIC      = "RURALPAY"
)

// currencyExponents lists currencies whose minor unit is not 1/100.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"XOF": 0,
	"BHD": 3,
	"KWD": 3,
}

func currencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// MajorUnits converts a minor-unit amount into the currency's major unit.
func MajorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -currencyExponent(currency))
}

// SettlementInstruction is what lands on the settlement queue.
type SettlementInstruction struct {
	MessageType string    `json:"message_type"`
	Reference   string    `json:"reference"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	XML         string    `json:"xml"`
	CreatedAt   time.Time `json:"created_at"`
}

// SettlementPublisher queues an ISO 20022 credit transfer for every bank
// transfer that completes. Other events are ignored.
type SettlementPublisher struct {
	client *redis.Client
	queue  string
	now    func() time.Time
	newID  func() string
}

func NewSettlementPublisher(client *redis.Client, queue string) *SettlementPublisher {
	return &SettlementPublisher{client: client, queue: queue, now: time.Now, newID: uuid.NewString}
}

func (p *SettlementPublisher) Name() string { return "settlement" }

func (p *SettlementPublisher) Publish(ctx context.Context, ev models.DomainEvent) error {
	if ev.Name != models.EventTransactionSuccessful || ev.TransactionType != models.TypeBankTransfer {
		return nil
	}
	instr, err := p.Instruction(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(instr)
	if err != nil {
		return err
	}
	return p.client.RPush(ctx, p.queue, data).Err()
}

func (p *SettlementPublisher) Instruction(ev models.DomainEvent) (*SettlementInstruction, error) {
	doc := p.CreatePacs008(ev)
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal XML: %w", err)
	}
	return &SettlementInstruction{
		MessageType: pacs008MessageType,
		Reference:   ev.Reference,
		Amount:      MajorUnits(ev.Amount, ev.Currency).StringFixed(currencyExponent(ev.Currency)),
		Currency:    ev.Currency,
		XML:         xml.Header + string(xmlData),
		CreatedAt:   p.now(),
	}, nil
}

// CreatePacs008 builds the FIToFICustomerCreditTransfer for a completed
// transfer.
func (p *SettlementPublisher) CreatePacs008(ev models.DomainEvent) *pacs_v08.FIToFICustomerCreditTransferV08 {
	now := p.now()
	amount := pacs_v08.ActiveCurrencyAndAmount{
		Ccy:   common.ActiveCurrencyCode(ev.Currency),
		Value: MajorUnits(ev.Amount, ev.Currency).InexactFloat64(),
	}
	txID := common.Max35Text(truncate(ev.TransactionID, 35))
	bic := common.BICFIDec2014Identifier(settlementBIC)
	debtor := common.Max140Text(ev.WalletID)

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:             common.Max35Text(truncate(p.newID(), 35)),
			CreDtTm:           common.ISODateTime(now),
			NbOfTxs:           "1",
			TtlIntrBkSttlmAmt: &amount,
			IntrBkSttlmDt:     (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &txID,
					EndToEndId: common.Max35Text(truncate(ev.Reference, 35)),
					TxId:       &txID,
				},
				IntrBkSttlmAmt: amount,
				IntrBkSttlmDt:  (*common.ISODate)(&now),
				ChrgBr:         "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &bic,
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &debtor,
				},
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
