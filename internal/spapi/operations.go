package spapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opside/reconciler/internal/core"
)

// FetchInventorySummaries streams inventory summaries for the given
// marketplace ids, paginating by nextToken.
func (c *Client) FetchInventorySummaries(ctx context.Context, tenantID string, marketplaceIDs []string) Stream[core.MarketplaceInventorySummary] {
	nextToken := ""
	page := []core.MarketplaceInventorySummary{}
	idx := 0
	exhausted := false

	return func() (core.MarketplaceInventorySummary, bool, error) {
		for idx >= len(page) {
			if exhausted {
				return core.MarketplaceInventorySummary{}, false, nil
			}
			query := map[string]string{"granularityType": "Marketplace"}
			for i, id := range marketplaceIDs {
				query[fmt.Sprintf("marketplaceIds[%d]", i)] = id
			}
			if nextToken != "" {
				query["nextToken"] = nextToken
			}
			body, err := c.do(ctx, tenantID, "GET", "/fba/inventory/v1/summaries", query, nil, "inventory")
			if err != nil {
				return core.MarketplaceInventorySummary{}, false, err
			}
			page = parseInventorySummaries(body)
			idx = 0
			nextToken, exhausted = nextPage(body)
			if len(page) == 0 && exhausted {
				return core.MarketplaceInventorySummary{}, false, nil
			}
		}
		item := page[idx]
		idx++
		return item, true, nil
	}
}

func parseInventorySummaries(body map[string]interface{}) []core.MarketplaceInventorySummary {
	payload, _ := body["payload"].(map[string]interface{})
	raw, _ := payload["inventorySummaries"].([]interface{})
	out := make([]core.MarketplaceInventorySummary, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, core.MarketplaceInventorySummary{
			SKU:               asString(m["sellerSku"]),
			ASIN:              asString(m["asin"]),
			FNSKU:             asString(m["fnSku"]),
			AvailableQuantity: asInt(detailsField(m, "totalQuantity")),
			ReservedQuantity:  asInt(detailsField(m, "reservedQuantity")),
			DamagedQuantity:   asInt(detailsField(m, "unfulfillableQuantity")),
			Condition:         asString(m["condition"]),
			MarketplaceID:     asString(m["marketplaceId"]),
			LastUpdatedTime:   asTime(m["lastUpdatedTime"]),
		})
	}
	return out
}

func detailsField(m map[string]interface{}, field string) interface{} {
	details, _ := m["inventoryDetails"].(map[string]interface{})
	if details == nil {
		return nil
	}
	return details[field]
}

func nextPage(body map[string]interface{}) (token string, exhausted bool) {
	payload, _ := body["payload"].(map[string]interface{})
	token = asString(payload["nextToken"])
	return token, token == ""
}

// Order is the record shape produced by FetchOrders.
type Order struct {
	OrderID         string
	PurchaseDate    time.Time
	LastUpdatedDate time.Time
	OrderStatus     string
	MarketplaceID   string
}

// FetchOrders streams orders updated after `since`, incremental via
// LastUpdatedAfter.
func (c *Client) FetchOrders(ctx context.Context, tenantID string, marketplaceIDs []string, since time.Time) Stream[Order] {
	nextToken := ""
	page := []Order{}
	idx := 0
	exhausted := false

	return func() (Order, bool, error) {
		for idx >= len(page) {
			if exhausted {
				return Order{}, false, nil
			}
			query := map[string]string{}
			for i, id := range marketplaceIDs {
				query[fmt.Sprintf("MarketplaceIds[%d]", i)] = id
			}
			if !since.IsZero() {
				query["LastUpdatedAfter"] = since.UTC().Format(time.RFC3339)
			}
			if nextToken != "" {
				query["NextToken"] = nextToken
			}
			body, err := c.do(ctx, tenantID, "GET", "/orders/v0/orders", query, nil, "orders")
			if err != nil {
				return Order{}, false, err
			}
			page = parseOrders(body)
			idx = 0
			nextToken, exhausted = nextPage(body)
			if len(page) == 0 && exhausted {
				return Order{}, false, nil
			}
		}
		item := page[idx]
		idx++
		return item, true, nil
	}
}

func parseOrders(body map[string]interface{}) []Order {
	payload, _ := body["payload"].(map[string]interface{})
	raw, _ := payload["Orders"].([]interface{})
	out := make([]Order, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, Order{
			OrderID:         asString(m["AmazonOrderId"]),
			PurchaseDate:    asTime(m["PurchaseDate"]),
			LastUpdatedDate: asTime(m["LastUpdateDate"]),
			OrderStatus:     asString(m["OrderStatus"]),
			MarketplaceID:   asString(m["MarketplaceId"]),
		})
	}
	return out
}

// FinancialEvent is a best-effort record; the endpoint path used upstream
// is not the canonical SP-API Finances path,
// so this call is treated as non-fatal: any 4xx yields an empty stream
// rather than an error.
type FinancialEvent struct {
	EventType string
	Amount    float64
	Currency  string
	PostedAt  time.Time
}

// FetchFinancialEvents streams financial events between since and until.
// A 4xx from the upstream yields an empty stream, never an error.
func (c *Client) FetchFinancialEvents(ctx context.Context, tenantID string, since, until time.Time) Stream[FinancialEvent] {
	query := map[string]string{
		"PostedAfter":  since.UTC().Format(time.RFC3339),
		"PostedBefore": until.UTC().Format(time.RFC3339),
	}
	body, err := c.do(ctx, tenantID, "GET", "/finances/v0/events", query, nil, "financial_events")
	if err != nil {
		if _, ok := err.(*core.ClientError); ok {
			return emptyStream[FinancialEvent]()
		}
		return errorStream[FinancialEvent](err)
	}

	events := parseFinancialEvents(body)
	idx := 0
	return func() (FinancialEvent, bool, error) {
		if idx >= len(events) {
			return FinancialEvent{}, false, nil
		}
		e := events[idx]
		idx++
		return e, true, nil
	}
}

func parseFinancialEvents(body map[string]interface{}) []FinancialEvent {
	payload, _ := body["payload"].(map[string]interface{})
	groups, _ := payload["FinancialEvents"].(map[string]interface{})
	raw, _ := groups["ShipmentEventList"].([]interface{})
	out := make([]FinancialEvent, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, FinancialEvent{
			EventType: "shipment",
			Amount:    asFloat(m["Amount"]),
			Currency:  asString(m["CurrencyCode"]),
			PostedAt:  asTime(m["PostedDate"]),
		})
	}
	return out
}

// GenericRecord is the shape used for Returns, Shipments, Settlements,
// and Removals — each upstream dataset is fetched the same way and the
// reference connector only needs the raw payload plus an identifying id.
type GenericRecord struct {
	ID       string
	Kind     string
	PostedAt time.Time
	Payload  map[string]interface{}
}

func (c *Client) fetchGenericRecords(ctx context.Context, tenantID, path, dataset string, since, until time.Time) Stream[GenericRecord] {
	query := map[string]string{
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	}
	body, err := c.do(ctx, tenantID, "GET", path, query, nil, dataset)
	if err != nil {
		return errorStream[GenericRecord](err)
	}
	raw, _ := body["records"].([]interface{})
	records := make([]GenericRecord, 0, len(raw))
	for i, r := range raw {
		m, _ := r.(map[string]interface{})
		id := asString(m["id"])
		if id == "" {
			id = fmt.Sprintf("%s-%d", dataset, i)
		}
		records = append(records, GenericRecord{ID: id, Kind: dataset, PostedAt: asTime(m["postedAt"]), Payload: m})
	}
	idx := 0
	return func() (GenericRecord, bool, error) {
		if idx >= len(records) {
			return GenericRecord{}, false, nil
		}
		item := records[idx]
		idx++
		return item, true, nil
	}
}

func (c *Client) FetchReturns(ctx context.Context, tenantID string, since, until time.Time) Stream[GenericRecord] {
	return c.fetchGenericRecords(ctx, tenantID, "/returns/v0/returns", "returns", since, until)
}

func (c *Client) FetchShipments(ctx context.Context, tenantID string, since, until time.Time) Stream[GenericRecord] {
	return c.fetchGenericRecords(ctx, tenantID, "/fba/outbound/2020-07-01/shipments", "shipments", since, until)
}

func (c *Client) FetchSettlements(ctx context.Context, tenantID string, since, until time.Time) Stream[GenericRecord] {
	return c.fetchGenericRecords(ctx, tenantID, "/finances/v0/settlements", "settlements", since, until)
}

func (c *Client) FetchRemovals(ctx context.Context, tenantID string, since, until time.Time) Stream[GenericRecord] {
	return c.fetchGenericRecords(ctx, tenantID, "/fba/inbound/v0/removals", "removals", since, until)
}

// ReportWindow bounds the data period a report covers.
type ReportWindow struct {
	Start time.Time
	End   time.Time
}

// ReportDocumentRef is the resolved document location after a report
// completes.
type ReportDocumentRef struct {
	ReportDocumentID string
	URL              string
}

// CreateReport requests an async report and returns its reportId.
func (c *Client) CreateReport(ctx context.Context, tenantID, reportType string, window ReportWindow) (string, error) {
	body := map[string]interface{}{
		"reportType":  reportType,
		"dataStartTime": window.Start.UTC().Format(time.RFC3339),
		"dataEndTime":   window.End.UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, tenantID, "POST", "/reports/2021-06-30/reports", nil, body, "reports")
	if err != nil {
		return "", err
	}
	reportID := asString(resp["reportId"])
	if reportID == "" {
		reportID = uuid.NewString()
	}
	return reportID, nil
}

// WaitForReport polls GET /reports/{id} with full-jitter backoff until
// the report reaches a terminal processing status, then resolves the
// document reference. Fails on FAILED/CANCELLED or when maxWait elapses.
func (c *Client) WaitForReport(ctx context.Context, tenantID, reportID string, maxWait time.Duration) (ReportDocumentRef, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0
	for {
		if time.Now().After(deadline) {
			return ReportDocumentRef{}, fmt.Errorf("spapi: report %s did not complete within %s", reportID, maxWait)
		}

		resp, err := c.do(ctx, tenantID, "GET", "/reports/2021-06-30/reports/"+reportID, nil, nil, "reports")
		if err != nil {
			return ReportDocumentRef{}, err
		}

		status := asString(resp["processingStatus"])
		switch status {
		case "DONE", "COMPLETED":
			docID := asString(resp["reportDocumentId"])
			docResp, err := c.do(ctx, tenantID, "GET", "/reports/2021-06-30/documents/"+docID, nil, nil, "reports")
			if err != nil {
				return ReportDocumentRef{}, err
			}
			return ReportDocumentRef{ReportDocumentID: docID, URL: asString(docResp["url"])}, nil
		case "FAILED", "CANCELLED":
			return ReportDocumentRef{}, fmt.Errorf("spapi: report %s ended in status %s", reportID, status)
		}

		wait := jitteredBackoff(attempt)
		if attempt < 6 {
			attempt++
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ReportDocumentRef{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func emptyStream[T any]() Stream[T] {
	return func() (T, bool, error) {
		var zero T
		return zero, false, nil
	}
}

func errorStream[T any](err error) Stream[T] {
	done := false
	return func() (T, bool, error) {
		var zero T
		if done {
			return zero, false, nil
		}
		done = true
		return zero, false, err
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func asTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
