// Package operation defines the durable record for one pending mutation
// against the remote list API, and the per-type payloads it carries.
package operation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Type is the kind of mutation a record performs.
type Type string

const (
	CreateCollectionType Type = "create_collection"
	UpdateCollectionType Type = "update_collection"
	DeleteCollectionType Type = "delete_collection"
	ClearCollectionType  Type = "clear_collection"
	AddItemType          Type = "add_item"
	RemoveItemType       Type = "remove_item"
)

// Types lists every operation type.
var Types = []Type{
	CreateCollectionType,
	UpdateCollectionType,
	DeleteCollectionType,
	ClearCollectionType,
	AddItemType,
	RemoveItemType,
}

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Active reports whether the status still counts toward deduplication.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether the record is eligible for retention purging.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Record is one queued mutation.
type Record struct {
	ID           string     `json:"id"`
	Type         Type       `json:"operation_type"`
	OwnerID      int64      `json:"owner_id"`
	TargetID     *int64     `json:"target_id,omitempty"`
	Payload      Payload    `json:"payload"`
	Signature    string     `json:"signature"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the record. Payloads are value types.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.TargetID != nil {
		id := *r.TargetID
		c.TargetID = &id
	}
	if r.LastRetryAt != nil {
		at := *r.LastRetryAt
		c.LastRetryAt = &at
	}
	return &c
}

// UnmarshalJSON restores the concrete payload struct from the record's type.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		Payload json.RawMessage `json:"payload"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Payload = nil
	if len(aux.Payload) > 0 && string(aux.Payload) != "null" {
		p, err := DecodePayload(r.Type, aux.Payload)
		if err != nil {
			return err
		}
		r.Payload = p
	}
	return nil
}

// Target returns the target ID or 0 when unset.
func (r *Record) Target() int64 {
	if r.TargetID == nil {
		return 0
	}
	return *r.TargetID
}

// Signature derives the dedup key for an operation. Two operations with the
// same signature are considered equivalent while either is still active.
func Signature(t Type, ownerID int64, targetID *int64, p Payload) string {
	target := "-"
	if targetID != nil {
		target = strconv.FormatInt(*targetID, 10)
	}
	part := ""
	if p != nil {
		part = p.signaturePart()
	}
	return fmt.Sprintf("%s|%d|%s|%s", t, ownerID, target, part)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
