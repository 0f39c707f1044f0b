package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

// CycleUpdate is a partial update of the cycle row. Nil fields are left
// untouched when the update is merged into the current row.
type CycleUpdate struct {
	Status             *domain.Status   `json:"status,omitempty"`
	CapitalAvailable   *decimal.Decimal `json:"capital_available,omitempty"`
	BTCAccumulated     *decimal.Decimal `json:"btc_accumulated,omitempty"`
	PurchasesRemaining *int             `json:"purchases_remaining,omitempty"`
	ReferencePrice     *decimal.Decimal `json:"reference_price,omitempty"`
	CostAccumUSDT      *decimal.Decimal `json:"cost_accum_usdt,omitempty"`
	BTCAccumNet        *decimal.Decimal `json:"btc_accum_net,omitempty"`
	ATHPrice           *decimal.Decimal `json:"ath_price,omitempty"`
	BuyAmount          *decimal.Decimal `json:"buy_amount,omitempty"`
}

// UpdateFromCycle derives a full-field update from a successor cycle state.
func UpdateFromCycle(c *domain.Cycle) CycleUpdate {
	return CycleUpdate{
		Status:             StatusPtr(c.Status),
		CapitalAvailable:   DecimalPtr(c.CapitalAvailable),
		BTCAccumulated:     DecimalPtr(c.BTCAccumulated),
		PurchasesRemaining: IntPtr(c.PurchasesRemaining),
		ReferencePrice:     DecimalPtr(c.ReferencePrice),
		CostAccumUSDT:      DecimalPtr(c.CostAccumUSDT),
		BTCAccumNet:        DecimalPtr(c.BTCAccumNet),
		ATHPrice:           DecimalPtr(c.ATHPrice),
		BuyAmount:          DecimalPtr(c.BuyAmount),
	}
}

// StatusPtr returns a pointer to the status value.
func StatusPtr(s domain.Status) *domain.Status { return &s }

// DecimalPtr returns a pointer to the decimal value.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// IntPtr returns a pointer to the int value.
func IntPtr(i int) *int { return &i }

// IsEmpty reports whether the update changes nothing.
func (u CycleUpdate) IsEmpty() bool {
	return u.Status == nil && u.CapitalAvailable == nil && u.BTCAccumulated == nil &&
		u.PurchasesRemaining == nil && u.ReferencePrice == nil && u.CostAccumUSDT == nil &&
		u.BTCAccumNet == nil && u.ATHPrice == nil && u.BuyAmount == nil
}

// ApplyTo merges the update into the cycle in place.
func (u CycleUpdate) ApplyTo(c *domain.Cycle) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.CapitalAvailable != nil {
		c.CapitalAvailable = *u.CapitalAvailable
	}
	if u.BTCAccumulated != nil {
		c.BTCAccumulated = *u.BTCAccumulated
	}
	if u.PurchasesRemaining != nil {
		c.PurchasesRemaining = *u.PurchasesRemaining
	}
	if u.ReferencePrice != nil {
		c.ReferencePrice = *u.ReferencePrice
	}
	if u.CostAccumUSDT != nil {
		c.CostAccumUSDT = *u.CostAccumUSDT
	}
	if u.BTCAccumNet != nil {
		c.BTCAccumNet = *u.BTCAccumNet
	}
	if u.ATHPrice != nil {
		c.ATHPrice = *u.ATHPrice
	}
	if u.BuyAmount != nil {
		c.BuyAmount = *u.BuyAmount
	}
}

// Fields returns the touched fields and their new values as strings.
func (u CycleUpdate) Fields() map[string]string {
	fields := make(map[string]string)
	if u.Status != nil {
		fields["status"] = string(*u.Status)
	}
	if u.CapitalAvailable != nil {
		fields["capital_available"] = u.CapitalAvailable.String()
	}
	if u.BTCAccumulated != nil {
		fields["btc_accumulated"] = u.BTCAccumulated.String()
	}
	if u.PurchasesRemaining != nil {
		fields["purchases_remaining"] = fmt.Sprintf("%d", *u.PurchasesRemaining)
	}
	if u.ReferencePrice != nil {
		fields["reference_price"] = u.ReferencePrice.String()
	}
	if u.CostAccumUSDT != nil {
		fields["cost_accum_usdt"] = u.CostAccumUSDT.String()
	}
	if u.BTCAccumNet != nil {
		fields["btc_accum_net"] = u.BTCAccumNet.String()
	}
	if u.ATHPrice != nil {
		fields["ath_price"] = u.ATHPrice.String()
	}
	if u.BuyAmount != nil {
		fields["buy_amount"] = u.BuyAmount.String()
	}
	return fields
}

func (u CycleUpdate) String() string {
	fields := u.Fields()
	if len(fields) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
