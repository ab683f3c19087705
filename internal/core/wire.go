package core

import (
	"encoding/json"
	"time"
)

// wireDiscrepancy accepts both snake_case (the upstream/Claim Detector
// convention) and camelCase (seen in some connector payloads) spellings
// for the same fields. Every internal consumer works only with the
// normalized StandardizedDiscrepancy afterwards.
type wireDiscrepancy struct {
	ProductID         string            `json:"product_id"`
	ProductIDCamel    string            `json:"productId,omitempty"`
	SKU               string            `json:"sku"`
	QuantitySynced    *int              `json:"quantity_synced"`
	QuantitySyncedC   *int              `json:"quantitySynced,omitempty"`
	QuantityActual    *int              `json:"quantity_actual"`
	QuantityActualC   *int              `json:"quantityActual,omitempty"`
	DiscrepancyAmount *int              `json:"discrepancy_amount"`
	DiscrepancyAmtC   *int              `json:"discrepancyAmount,omitempty"`
	Marketplace       string            `json:"marketplace"`
	Timestamp         time.Time         `json:"timestamp"`
	Currency          string            `json:"currency"`
	Confidence        *float64          `json:"confidence"`
	Metadata          map[string]string `json:"metadata"`
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonNilInt(a, b *int) int {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return 0
}

// UnmarshalJSON normalizes a snake_case-or-camelCase payload into a
// StandardizedDiscrepancy.
func (d *StandardizedDiscrepancy) UnmarshalJSON(data []byte) error {
	var w wireDiscrepancy
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	d.ProductID = firstNonEmpty(w.ProductID, w.ProductIDCamel)
	d.SKU = w.SKU
	d.QuantitySynced = firstNonNilInt(w.QuantitySynced, w.QuantitySyncedC)
	d.QuantityActual = firstNonNilInt(w.QuantityActual, w.QuantityActualC)

	amount := firstNonNilInt(w.DiscrepancyAmount, w.DiscrepancyAmtC)
	if amount == 0 {
		amount = d.QuantitySynced - d.QuantityActual
	}
	d.DiscrepancyAmount = amount

	d.Marketplace = w.Marketplace
	d.Timestamp = w.Timestamp
	d.Currency = w.Currency
	d.Confidence = w.Confidence
	d.Metadata = w.Metadata
	return nil
}

// MarshalJSON always emits the normalized snake_case form.
func (d StandardizedDiscrepancy) MarshalJSON() ([]byte, error) {
	w := wireDiscrepancy{
		ProductID:         d.ProductID,
		SKU:               d.SKU,
		QuantitySynced:    &d.QuantitySynced,
		QuantityActual:    &d.QuantityActual,
		DiscrepancyAmount: &d.DiscrepancyAmount,
		Marketplace:       d.Marketplace,
		Timestamp:         d.Timestamp,
		Currency:          d.Currency,
		Confidence:        d.Confidence,
		Metadata:          d.Metadata,
	}
	return json.Marshal(w)
}
