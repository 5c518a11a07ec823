package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entity identifies one of the synchronized record kinds. The set is closed:
// payloads are validated against per-entity field structs before dispatch so
// a mutation can never smuggle fields across entity boundaries.
type Entity string

const (
	EntityClient      Entity = "client"
	EntityQuote       Entity = "quote"
	EntityWorkOrder   Entity = "work_order"
	EntityCatalogItem Entity = "catalog_item"
)

// ParseEntity maps a request path segment to an entity.
func ParseEntity(s string) (Entity, bool) {
	switch Entity(s) {
	case EntityClient, EntityQuote, EntityWorkOrder, EntityCatalogItem:
		return Entity(s), true
	}
	return "", false
}

// ClientFields is the payload shape for client records. All fields are
// optional; accepted updates overwrite the whole payload.
type ClientFields struct {
	ID      string  `json:"id,omitempty"`
	Name    *string `json:"name,omitempty"`
	Email   *string `json:"email,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

// QuoteItem is a line item of a quote.
type QuoteItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// QuoteFields is the payload shape for quote records. ClientID references
// the owning client record.
type QuoteFields struct {
	ID       string      `json:"id,omitempty"`
	ClientID *string     `json:"clientId,omitempty"`
	Title    *string     `json:"title,omitempty"`
	Status   *string     `json:"status,omitempty"`
	Items    []QuoteItem `json:"items,omitempty"`
	Total    *float64    `json:"total,omitempty"`
}

// WorkOrderFields is the payload shape for work order records.
type WorkOrderFields struct {
	ID           string  `json:"id,omitempty"`
	ClientID     *string `json:"clientId,omitempty"`
	QuoteID      *string `json:"quoteId,omitempty"`
	Title        *string `json:"title,omitempty"`
	Status       *string `json:"status,omitempty"`
	ScheduledFor *string `json:"scheduledFor,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// CatalogItemFields is the payload shape for catalog item records.
type CatalogItemFields struct {
	ID          string   `json:"id,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
	UnitPrice   *float64 `json:"unitPrice,omitempty"`
}

// ParsedRecord is a validated mutation payload: the record id, the optional
// parent reference carried by the payload, and the normalized payload with
// derived aggregates recomputed.
type ParsedRecord struct {
	ID           string
	ParentEntity Entity
	ParentID     string
	Payload      json.RawMessage
}

func decodeStrict(raw json.RawMessage, into any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// ParseRecord validates a raw mutation payload against the closed field set
// of the entity. Unknown fields are a validation error, not silently dropped.
// For quotes, the total is recomputed from the line items whenever items are
// supplied, so clients cannot push an inconsistent aggregate.
func ParseRecord(entity Entity, raw json.RawMessage) (*ParsedRecord, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("mutation record is empty")
	}

	switch entity {
	case EntityClient:
		var f ClientFields
		if err := decodeStrict(raw, &f); err != nil {
			return nil, fmt.Errorf("invalid client payload: %w", err)
		}
		return &ParsedRecord{ID: f.ID, Payload: raw}, nil

	case EntityQuote:
		var f QuoteFields
		if err := decodeStrict(raw, &f); err != nil {
			return nil, fmt.Errorf("invalid quote payload: %w", err)
		}
		parsed := &ParsedRecord{ID: f.ID, Payload: raw}
		if f.ClientID != nil {
			parsed.ParentEntity = EntityClient
			parsed.ParentID = *f.ClientID
		}
		if f.Items != nil {
			total := 0.0
			for _, item := range f.Items {
				total += item.Quantity * item.UnitPrice
			}
			f.Total = &total
			normalized, err := json.Marshal(f)
			if err != nil {
				return nil, fmt.Errorf("failed to normalize quote payload: %w", err)
			}
			parsed.Payload = normalized
		}
		return parsed, nil

	case EntityWorkOrder:
		var f WorkOrderFields
		if err := decodeStrict(raw, &f); err != nil {
			return nil, fmt.Errorf("invalid work order payload: %w", err)
		}
		parsed := &ParsedRecord{ID: f.ID, Payload: raw}
		if f.ClientID != nil {
			parsed.ParentEntity = EntityClient
			parsed.ParentID = *f.ClientID
		}
		return parsed, nil

	case EntityCatalogItem:
		var f CatalogItemFields
		if err := decodeStrict(raw, &f); err != nil {
			return nil, fmt.Errorf("invalid catalog item payload: %w", err)
		}
		return &ParsedRecord{ID: f.ID, Payload: raw}, nil
	}

	return nil, fmt.Errorf("unknown entity %q", entity)
}
