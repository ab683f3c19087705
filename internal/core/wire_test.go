package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardizedDiscrepancyUnmarshalSnakeCase(t *testing.T) {
	payload := `{"product_id":"P1","sku":"SKU-A","quantity_synced":12,"quantity_actual":10,"marketplace":"ATVPDKIKX0DER","currency":"USD"}`

	var d StandardizedDiscrepancy
	require.NoError(t, json.Unmarshal([]byte(payload), &d))
	assert.Equal(t, "P1", d.ProductID)
	assert.Equal(t, 12, d.QuantitySynced)
	assert.Equal(t, 10, d.QuantityActual)
	// amount is derived when the payload omits it
	assert.Equal(t, 2, d.DiscrepancyAmount)
}

func TestStandardizedDiscrepancyUnmarshalCamelCase(t *testing.T) {
	payload := `{"productId":"P2","sku":"SKU-B","quantitySynced":5,"quantityActual":9,"discrepancyAmount":-4}`

	var d StandardizedDiscrepancy
	require.NoError(t, json.Unmarshal([]byte(payload), &d))
	assert.Equal(t, "P2", d.ProductID)
	assert.Equal(t, 5, d.QuantitySynced)
	assert.Equal(t, 9, d.QuantityActual)
	assert.Equal(t, -4, d.DiscrepancyAmount)
}

func TestStandardizedDiscrepancyMarshalEmitsSnakeCase(t *testing.T) {
	d := StandardizedDiscrepancy{ProductID: "P3", SKU: "SKU-C", QuantitySynced: 7, QuantityActual: 7}

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"product_id":"P3"`)
	assert.Contains(t, string(out), `"quantity_synced":7`)
	assert.NotContains(t, string(out), "quantitySynced")
}
