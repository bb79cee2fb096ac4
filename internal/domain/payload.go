package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the entity-specific body of a sync operation. The set of
// implementations is closed; switch on the concrete type for entity-specific logic.
type Payload interface {
	Kind() EntityType
	isPayload()
}

// RecordPayload carries a payment, transaction or journal record.
type RecordPayload struct {
	Record *FinancialRecord
}

func (p *RecordPayload) Kind() EntityType {
	if p.Record == nil {
		return ""
	}
	return p.Record.EntityType
}

func (*RecordPayload) isPayload() {}

// InvoicePayload carries an invoice header.
type InvoicePayload struct {
	Number       string          `json:"number"`
	Counterparty string          `json:"counterparty"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	IssueDate    time.Time       `json:"issue_date"`
	DueDate      time.Time       `json:"due_date"`
	Status       string          `json:"status"`
}

func (*InvoicePayload) Kind() EntityType { return EntityInvoice }
func (*InvoicePayload) isPayload()       {}

// AttachmentPayload describes a document attached to a record.
type AttachmentPayload struct {
	RecordID    string `json:"record_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

func (*AttachmentPayload) Kind() EntityType { return EntityAttachment }
func (*AttachmentPayload) isPayload()       {}

// ContactPayload carries a counterparty master-data change.
type ContactPayload struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	TaxID string `json:"tax_id,omitempty"`
}

func (*ContactPayload) Kind() EntityType { return EntityContact }
func (*ContactPayload) isPayload()       {}

// recordWire is the transmitted shape of a record: sync metadata stays local.
type recordWire struct {
	ID           string     `json:"id"`
	EntityType   EntityType `json:"entity_type"`
	Reference    string     `json:"reference"`
	Description  string     `json:"description"`
	Counterparty string     `json:"counterparty"`
	Currency     string     `json:"currency"`
	Date         time.Time  `json:"date"`
	Lines        []Line     `json:"lines"`
}

func toWire(r *FinancialRecord) recordWire {
	return recordWire{
		ID:           r.ID,
		EntityType:   r.EntityType,
		Reference:    r.Reference,
		Description:  r.Description,
		Counterparty: r.Counterparty,
		Currency:     r.Currency,
		Date:         r.Date.UTC(),
		Lines:        r.Lines,
	}
}

// payloadEnvelope keeps the full record next to its wire form so local sync
// metadata survives a round trip through the queue.
type payloadEnvelope struct {
	Kind   EntityType       `json:"kind"`
	Data   json.RawMessage  `json:"data"`
	Record *FinancialRecord `json:"record,omitempty"`
}

// EncodePayload serializes a payload with its kind tag.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return json.Marshal(payloadEnvelope{})
	}
	env := payloadEnvelope{Kind: p.Kind()}

	var (
		data []byte
		err  error
	)
	switch v := p.(type) {
	case *RecordPayload:
		if v.Record == nil {
			return nil, fmt.Errorf("%w: record payload without record", ErrValidationFailure)
		}
		env.Record = v.Record
		data, err = json.Marshal(toWire(v.Record))
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}
	env.Data = data

	return json.Marshal(env)
}

// DecodePayload restores a payload produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, nil
	}
	if env.Kind.IsRecord() && env.Record != nil {
		return &RecordPayload{Record: env.Record}, nil
	}
	return decodeData(env.Kind, env.Data)
}

func decodeData(kind EntityType, data []byte) (Payload, error) {
	switch {
	case kind.IsRecord():
		var w recordWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.EntityType == "" {
			w.EntityType = kind
		}
		return &RecordPayload{Record: &FinancialRecord{
			ID:           w.ID,
			EntityType:   w.EntityType,
			Reference:    w.Reference,
			Description:  w.Description,
			Counterparty: w.Counterparty,
			Currency:     w.Currency,
			Date:         w.Date,
			Lines:        w.Lines,
		}}, nil
	case kind == EntityInvoice:
		var p InvoicePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case kind == EntityAttachment:
		var p AttachmentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case kind == EntityContact:
		var p ContactPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrValidationFailure, kind)
	}
}

// PayloadFields flattens a payload into the field map exchanged with the remote.
func PayloadFields(p Payload) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	var v any = p
	if rp, ok := p.(*RecordPayload); ok {
		if rp.Record == nil {
			return nil, fmt.Errorf("%w: record payload without record", ErrValidationFailure)
		}
		v = toWire(rp.Record)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// PayloadFromFields rebuilds a typed payload from a remote field map.
func PayloadFromFields(kind EntityType, fields map[string]any) (Payload, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return decodeData(kind, data)
}
