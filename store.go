package chatsync

import (
	"context"
	"time"
)

// ============================================================================
// Remote store contract
// ============================================================================

// Document is a remote record. Data holds plain JSON-like values: strings,
// bools, float64 or int numbers, time.Time, []any and map[string]any.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	UpdateTime time.Time      `json:"updateTime,omitempty"`
}

// FilterOp is a query predicate operator.
type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpArrayContains FilterOp = "array-contains"
)

// Filter restricts a query on one field.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// Query selects documents of a collection.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"orderBy,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op FilterOp, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// ChangeKind is the type of a change-feed event.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one change-feed event.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// WriteKind is the operation of a batched write.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteMerge  WriteKind = "merge"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write is one operation of an atomic batch.
type Write struct {
	Kind       WriteKind      `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscription is a live change feed.
type Subscription interface {
	Close() error
}

// ChangeHandler receives change-feed events. Implementations of RemoteStore
// call it from a single goroutine per subscription.
type ChangeHandler func(Change)

// RemoteStore is the shared document store every component writes through.
//
// Set replaces the document, or with merge=true creates or updates only the
// given fields. Update fails with a not-found error when the document is
// missing. Field values may be FieldTransforms and field names may be dotted
// paths into nested maps. Batch applies all writes or none. Subscribe first
// delivers the current matching documents as added changes.
type RemoteStore interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Batch(ctx context.Context, writes []Write) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, q Query, fn ChangeHandler) (Subscription, error)
}

// Auth exposes the signed-in user.
type Auth interface {
	CurrentUserID() (string, bool)
}

// StaticAuth is an Auth with a fixed user.
type StaticAuth string

func (a StaticAuth) CurrentUserID() (string, bool) { return string(a), a != "" }

// ============================================================================
// Field transforms
// ============================================================================

// TransformOp names a server-side field transform.
type TransformOp string

const (
	TransformServerTimestamp TransformOp = "serverTimestamp"
	TransformArrayUnion      TransformOp = "arrayUnion"
	TransformArrayRemove     TransformOp = "arrayRemove"
	TransformDelete          TransformOp = "delete"
)

// FieldTransform is a sentinel field value resolved by the store.
type FieldTransform struct {
	Op     TransformOp `json:"__transform"`
	Values []any       `json:"values,omitempty"`
}

// ServerTimestamp resolves to the store's clock at write time.
func ServerTimestamp() FieldTransform {
	return FieldTransform{Op: TransformServerTimestamp}
}

// ArrayUnion adds values missing from an array field.
func ArrayUnion(values ...any) FieldTransform {
	return FieldTransform{Op: TransformArrayUnion, Values: values}
}

// ArrayRemove removes every occurrence of values from an array field.
func ArrayRemove(values ...any) FieldTransform {
	return FieldTransform{Op: TransformArrayRemove, Values: values}
}

// DeleteField removes the field.
func DeleteField() FieldTransform {
	return FieldTransform{Op: TransformDelete}
}

// DecodeTransforms replaces JSON-decoded transform objects in fields with
// FieldTransform values. Stores receiving writes over the wire call it
// before applying them.
func DecodeTransforms(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = decodeTransform(v)
	}
	return out
}

func decodeTransform(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	op, ok := m["__transform"].(string)
	if !ok {
		return DecodeTransforms(m)
	}
	ft := FieldTransform{Op: TransformOp(op)}
	if vals, ok := m["values"].([]any); ok {
		ft.Values = vals
	}
	return ft
}
