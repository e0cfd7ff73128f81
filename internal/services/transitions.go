package services

import (
	"fmt"

	"github.com/ruralpay/payments-core/internal/models"
)

type edge struct {
	from    models.TransactionStatus
	trigger models.Trigger
}

type transitionTable map[edge]models.TransactionStatus

// transitionTables is the complete set of allowed status changes. Anything
// not listed is a StateConflictError.
var transitionTables = mustBuildTables(map[models.TransactionType][]transitionRule{
	models.TypeBooking:      chargeRules,
	models.TypeFoodOrder:    chargeRules,
	models.TypeWithdrawal:   transferRules,
	models.TypeBankTransfer: transferRules,
})

type transitionRule struct {
	from    models.TransactionStatus
	trigger models.Trigger
	to      models.TransactionStatus
}

var chargeRules = []transitionRule{
	{models.StatusPending, models.TriggerChargeSuccess, models.StatusSuccessful},
	{models.StatusPending, models.TriggerChargeEscrowed, models.StatusEscrowed},
	{models.StatusPending, models.TriggerChargeFailed, models.StatusFailed},
	{models.StatusPending, models.TriggerChargeAbandoned, models.StatusAbandoned},
	{models.StatusPending, models.TriggerPendingTimeout, models.StatusAbandoned},
	{models.StatusEscrowed, models.TriggerReleaseConfirmed, models.StatusReleased},
	{models.StatusEscrowed, models.TriggerEscrowDue, models.StatusReleased},
	{models.StatusEscrowed, models.TriggerChargeRefunded, models.StatusFailed},
}

var transferRules = []transitionRule{
	{models.StatusPending, models.TriggerTransferSuccess, models.StatusSuccessful},
	{models.StatusPending, models.TriggerTransferFailed, models.StatusFailed},
	{models.StatusPending, models.TriggerTransferReversed, models.StatusFailed},
	{models.StatusPending, models.TriggerInsufficientFunds, models.StatusFailed},
	{models.StatusSuccessful, models.TriggerEscrowDue, models.StatusReleased},
}

// closedStatuses never have outgoing edges.
var closedStatuses = []models.TransactionStatus{models.StatusFailed, models.StatusAbandoned, models.StatusReleased}

func mustBuildTables(rules map[models.TransactionType][]transitionRule) map[models.TransactionType]transitionTable {
	tables, err := buildTables(rules)
	if err != nil {
		panic(err)
	}
	return tables
}

func buildTables(rules map[models.TransactionType][]transitionRule) (map[models.TransactionType]transitionTable, error) {
	tables := make(map[models.TransactionType]transitionTable, len(rules))
	for _, t := range models.TransactionTypes {
		if _, ok := rules[t]; !ok {
			return nil, fmt.Errorf("no transition rules for %s", t)
		}
	}
	for t, list := range rules {
		if !t.Valid() {
			return nil, fmt.Errorf("transition rules for unknown type %q", t)
		}
		table := make(transitionTable, len(list))
		for _, r := range list {
			if !r.from.Valid() || !r.to.Valid() {
				return nil, fmt.Errorf("%s: unknown status in %s -> %s", t, r.from, r.to)
			}
			if r.trigger == "" {
				return nil, fmt.Errorf("%s: empty trigger from %s", t, r.from)
			}
			for _, closed := range closedStatuses {
				if r.from == closed {
					return nil, fmt.Errorf("%s: %s is terminal but has an edge on %s", t, closed, r.trigger)
				}
			}
			k := edge{r.from, r.trigger}
			if _, dup := table[k]; dup {
				return nil, fmt.Errorf("%s: duplicate edge %s on %s", t, r.from, r.trigger)
			}
			table[k] = r.to
		}
		tables[t] = table
	}
	return tables, nil
}

func nextStatus(t models.TransactionType, from models.TransactionStatus, trigger models.Trigger) (models.TransactionStatus, bool) {
	to, ok := transitionTables[t][edge{from, trigger}]
	return to, ok
}

// permits reports whether trigger appears anywhere in the type's table.
func permits(t models.TransactionType, trigger models.Trigger) bool {
	for e := range transitionTables[t] {
		if e.trigger == trigger {
			return true
		}
	}
	return false
}

// leadsTo reports whether trigger could have produced status, which makes a
// repeated delivery of it a no-op.
func leadsTo(t models.TransactionType, trigger models.Trigger, status models.TransactionStatus) bool {
	for e, to := range transitionTables[t] {
		if e.trigger == trigger && to == status {
			return true
		}
	}
	return false
}

// isTerminal reports whether no further event may change the transaction.
// A successful transfer still holding a reservation is not terminal until
// its settlement window closes.
func isTerminal(tx *models.Transaction) bool {
	if tx.Status == models.StatusSuccessful && tx.EscrowReleaseAt == nil {
		return true
	}
	for e := range transitionTables[tx.Type] {
		if e.from == tx.Status {
			return false
		}
	}
	return true
}

// typesPermitting lists the types whose table contains trigger.
func typesPermitting(trigger models.Trigger) []models.TransactionType {
	return typesWhere(func(t models.TransactionType) bool { return permits(t, trigger) })
}

func typesRejecting(trigger models.Trigger) []models.TransactionType {
	return typesWhere(func(t models.TransactionType) bool { return !permits(t, trigger) })
}

func typesWhere(keep func(models.TransactionType) bool) []models.TransactionType {
	var out []models.TransactionType
	for _, t := range models.TransactionTypes {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
