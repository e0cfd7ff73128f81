package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruralpay/payments-core/internal/models"
)

// ReleasePolicy is the type-specific escrow rule.
//
// For charge-backed types Hold decides whether a successful charge is
// escrowed instead of credited; ReleaseAfter is the auto-release deadline and
// ConfirmEvent the gateway event type that releases early.
//
// For transfer-backed types funds are always reserved at initiation;
// ReleaseAfter is the settlement window between a successful transfer and
// the capture of the reservation (zero captures immediately).
type ReleasePolicy struct {
	Hold         bool
	ReleaseAfter time.Duration
	ConfirmEvent string
}

type EscrowPolicies map[models.TransactionType]ReleasePolicy

func DefaultEscrowPolicies() EscrowPolicies {
	return EscrowPolicies{
		models.TypeBooking:      {Hold: true, ReleaseAfter: 24 * time.Hour, ConfirmEvent: "booking.checked_in"},
		models.TypeFoodOrder:    {Hold: true, ReleaseAfter: 2 * time.Hour, ConfirmEvent: "order.delivered"},
		models.TypeWithdrawal:   {Hold: true},
		models.TypeBankTransfer: {Hold: true, ReleaseAfter: time.Hour},
	}
}

// LoadEscrowPolicies reads ESCROW_<TYPE>_HOLD, ESCROW_<TYPE>_RELEASE_AFTER
// and ESCROW_<TYPE>_CONFIRM_EVENT on top of the defaults.
func LoadEscrowPolicies() EscrowPolicies {
	policies := DefaultEscrowPolicies()
	for _, t := range models.TransactionTypes {
		prefix := "ESCROW_" + strings.ToUpper(string(t)) + "_"
		p := policies[t]
		if t.ChargeBacked() {
			p.Hold = getEnvAsBool(prefix+"HOLD", p.Hold)
			p.ConfirmEvent = getEnv(prefix+"CONFIRM_EVENT", p.ConfirmEvent)
		}
		p.ReleaseAfter = getEnvAsDuration(prefix+"RELEASE_AFTER", p.ReleaseAfter)
		policies[t] = p
	}
	return policies
}

func (p EscrowPolicies) Policy(t models.TransactionType) ReleasePolicy {
	return p[t]
}

// ConfirmEventFor reports whether eventType confirms release for t.
func (p EscrowPolicies) ConfirmEventFor(t models.TransactionType, eventType string) bool {
	policy, ok := p[t]
	return ok && policy.ConfirmEvent != "" && policy.ConfirmEvent == eventType
}

func (p EscrowPolicies) Validate() error {
	for _, t := range models.TransactionTypes {
		policy, ok := p[t]
		if !ok {
			return fmt.Errorf("escrow policy missing for %s", t)
		}
		if policy.ReleaseAfter < 0 {
			return fmt.Errorf("escrow policy for %s: negative release_after", t)
		}
		// an escrowed charge must always have a deadline
		if t.ChargeBacked() && policy.Hold && policy.ReleaseAfter == 0 {
			return fmt.Errorf("escrow policy for %s: hold requires release_after", t)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
