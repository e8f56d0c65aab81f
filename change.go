package syncstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of mutation a change record describes. The wire
// encoding is a single letter to keep records compact.
type Action int

const (
	ActionNone      Action = 0
	ActionSet       Action = 1
	ActionUpdate    Action = 2
	ActionDelete    Action = 3
	ActionIncrement Action = 4
	ActionBatch     Action = 5
)

// RecordTypeDataChange marks records replayed into the local store; every
// other type passes through untouched to the notification sink.
const RecordTypeDataChange = "data-change"

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSet:
		return "set"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionIncrement:
		return "increment"
	case ActionBatch:
		return "batch"
	default:
		return fmt.Sprintf("invalid action %d", int(a))
	}
}

func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case ActionSet:
		return []byte("s"), nil
	case ActionUpdate:
		return []byte("u"), nil
	case ActionDelete:
		return []byte("d"), nil
	case ActionIncrement:
		return []byte("i"), nil
	case ActionBatch:
		return []byte("b"), nil
	default:
		return nil, fmt.Errorf("cannot encode %v", a)
	}
}

func (a *Action) UnmarshalText(data []byte) error {
	switch string(data) {
	case "s":
		*a = ActionSet
	case "u":
		*a = ActionUpdate
	case "d":
		*a = ActionDelete
	case "i":
		*a = ActionIncrement
	case "b":
		*a = ActionBatch
	default:
		return fmt.Errorf("unknown action %q", data)
	}
	return nil
}

// Record is one mutation's audit/propagation entry in the change-log
// collection. CreatedAt is assigned by the remote store on publish and is
// the sole ordering authority for replay dedup.
type Record struct {
	ID         string    `json:"id" msgpack:"id"`
	Type       string    `json:"type" msgpack:"t"`
	Collection string    `json:"collection" msgpack:"c"`
	DocID      string    `json:"doc_id,omitempty" msgpack:"d,omitempty"`
	Action     Action    `json:"action" msgpack:"a"`
	Payload    any       `json:"payload,omitempty" msgpack:"p,omitempty"`
	CreatedAt  time.Time `json:"created_at" msgpack:"ts"`
	CreatedBy  string    `json:"created_by,omitempty" msgpack:"by,omitempty"`
}

// IncrementPayload is the payload of an ActionIncrement record.
type IncrementPayload struct {
	Field string  `json:"field"`
	Delta float64 `json:"delta"`
}

// BatchItem is one staged operation of a batch write. Op is ActionSet,
// ActionUpdate or ActionDelete.
type BatchItem struct {
	ID   string   `json:"id"`
	Op   Action   `json:"op"`
	Data Document `json:"data,omitempty"`
}

// BatchPayload is the payload of an ActionBatch record: either the full
// inline item list (small batches) or a bare BatchID that receivers must
// re-fetch by tag (large batches).
type BatchPayload struct {
	BatchID string      `json:"batch_id,omitempty"`
	Items   []BatchItem `json:"items,omitempty"`
}

// wireRecord is the change-log record as serialized for transports: the
// envelope rides inside the data field as encoded JSON.
type wireRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// MarshalWire serializes the record for a transport.
func (r *Record) MarshalWire() ([]byte, error) {
	data, err := r.EncodeData()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{
		ID:        r.ID,
		Type:      r.Type,
		Data:      data,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
	})
}

// UnmarshalWire parses a transport-serialized record, decoding its envelope
// and payload.
func UnmarshalWire(raw []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	rec := Record{
		ID:        w.ID,
		Type:      w.Type,
		CreatedAt: w.CreatedAt,
		CreatedBy: w.CreatedBy,
	}
	if w.Data != "" {
		if err := rec.DecodeData(w.Data); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

type envelope struct {
	Coll    string          `json:"coll"`
	ID      string          `json:"id,omitempty"`
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeData serializes the record's envelope (coll, id, action, payload)
// into the JSON form carried in the record's data field on the wire.
func (r *Record) EncodeData() (string, error) {
	var praw json.RawMessage
	if r.Payload != nil {
		var err error
		praw, err = json.Marshal(r.Payload)
		if err != nil {
			return "", fmt.Errorf("encoding payload: %w", err)
		}
	}
	env := envelope{Coll: r.Collection, ID: r.DocID, Action: r.Action, Payload: praw}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeData parses a wire envelope into the record, decoding the payload
// into the type appropriate for the action.
func (r *Record) DecodeData(data string) error {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	r.Collection = env.Coll
	r.DocID = env.ID
	r.Action = env.Action
	r.Payload = nil
	if len(env.Payload) == 0 {
		return nil
	}

	switch env.Action {
	case ActionSet, ActionUpdate, ActionDelete:
		var doc Document
		if err := json.Unmarshal(env.Payload, &doc); err != nil {
			return fmt.Errorf("decoding %v payload: %w", env.Action, err)
		}
		r.Payload = doc
	case ActionIncrement:
		var inc IncrementPayload
		if err := json.Unmarshal(env.Payload, &inc); err != nil {
			return fmt.Errorf("decoding increment payload: %w", err)
		}
		r.Payload = inc
	case ActionBatch:
		var bp BatchPayload
		if err := json.Unmarshal(env.Payload, &bp); err != nil {
			return fmt.Errorf("decoding batch payload: %w", err)
		}
		r.Payload = bp
	default:
		var v any
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		r.Payload = v
	}
	return nil
}
