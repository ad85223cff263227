// Package gateway exposes a chatsync.RemoteStore over HTTP and a websocket
// change feed, and provides the matching client.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prismer-ai/chatsync"
)

// Envelope is the body of every RPC response.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    chatsync.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

type getRequest struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type queryRequest struct {
	Query chatsync.Query `json:"query"`
}

type batchRequest struct {
	Writes []chatsync.Write `json:"writes"`
}

// Watch protocol frames.
const (
	FrameAuthenticated = "authenticated"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameChange        = "change"
	FrameError         = "error"
	FramePing          = "ping"
	FramePong          = "pong"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type           string           `json:"type"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Query          *chatsync.Query  `json:"query,omitempty"`
	Change         *chatsync.Change `json:"change,omitempty"`
	Error          *ErrorBody       `json:"error,omitempty"`
}

// timeTag marks a timestamp so it survives JSON as a time, not a string.
const timeTag = "__time"

// encodeValue prepares a store value for JSON.
func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{timeTag: t.UTC().Format(time.RFC3339Nano)}
	case map[string]any:
		return encodeData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	case chatsync.FieldTransform:
		vals := make([]any, len(t.Values))
		for i, e := range t.Values {
			vals[i] = encodeValue(e)
		}
		return chatsync.FieldTransform{Op: t.Op, Values: vals}
	}
	return v
}

func encodeData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

// decodeValue reverses encodeValue on a JSON-decoded value. Transform
// objects are left as maps for chatsync.DecodeTransforms.
func decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t[timeTag].(string); ok && len(t) == 1 {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", s, err)
			}
			return ts, nil
		}
		return decodeData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			d, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}
	return v, nil
}

func decodeData(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		d, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

func encodeDoc(d chatsync.Document) chatsync.Document {
	d.Data = encodeData(d.Data)
	return d
}

func decodeDoc(d chatsync.Document) (chatsync.Document, error) {
	data, err := decodeData(d.Data)
	if err != nil {
		return d, err
	}
	d.Data = data
	return d, nil
}

func encodeQuery(q chatsync.Query) chatsync.Query {
	q.Filters = append([]chatsync.Filter(nil), q.Filters...)
	for i := range q.Filters {
		q.Filters[i].Value = encodeValue(q.Filters[i].Value)
	}
	return q
}

func decodeQuery(q chatsync.Query) (chatsync.Query, error) {
	for i := range q.Filters {
		v, err := decodeValue(q.Filters[i].Value)
		if err != nil {
			return q, err
		}
		q.Filters[i].Value = v
	}
	return q, nil
}

func encodeWrites(ws []chatsync.Write) []chatsync.Write {
	out := make([]chatsync.Write, len(ws))
	for i, w := range ws {
		w.Data = encodeData(w.Data)
		out[i] = w
	}
	return out
}

// decodeWrites restores timestamps and field transforms.
func decodeWrites(ws []chatsync.Write) ([]chatsync.Write, error) {
	for i := range ws {
		data, err := decodeData(ws[i].Data)
		if err != nil {
			return nil, err
		}
		if data != nil {
			data = chatsync.DecodeTransforms(data)
		}
		ws[i].Data = data
	}
	return ws, nil
}
