package guestbook

import (
	"strings"
	"time"
)

// anonymousAuthor is substituted when a stored document has no author
// field. Missing optional fields never surface as null.
const anonymousAuthor = "anonymous"

// Record is a flattened guestbook entry or comment as returned to clients.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// value is a typed field in the document store's native representation:
// each field value is wrapped with an explicit type tag rather than being a
// plain JSON scalar.
type value struct {
	StringValue    *string    `json:"stringValue,omitempty"`
	TimestampValue *time.Time `json:"timestampValue,omitempty"`
}

func stringField(s string) value {
	return value{StringValue: &s}
}

func timestampField(t time.Time) value {
	return value{TimestampValue: &t}
}

// document is a stored record in the document store's hierarchical API.
type document struct {
	// Name is the full storage address, e.g.
	// projects/p/databases/(default)/documents/guestbook/AbC123.
	Name       string           `json:"name"`
	Fields     map[string]value `json:"fields"`
	CreateTime time.Time        `json:"createTime,omitempty"`
}

// listResponse is the document store's collection listing shape.
type listResponse struct {
	Documents     []document `json:"documents"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// recordFromDocument flattens a typed-field document into a Record. The
// record ID is the trailing path segment of the storage address.
func recordFromDocument(doc document) Record {
	rec := Record{
		ID:   trailingSegment(doc.Name),
		Name: anonymousAuthor,
	}

	if v, ok := doc.Fields["name"]; ok && v.StringValue != nil && *v.StringValue != "" {
		rec.Name = *v.StringValue
	}
	if v, ok := doc.Fields["message"]; ok && v.StringValue != nil {
		rec.Message = *v.StringValue
	}

	switch v, ok := doc.Fields["timestamp"]; {
	case ok && v.TimestampValue != nil:
		rec.CreatedAt = *v.TimestampValue
	default:
		rec.CreatedAt = doc.CreateTime
	}

	return rec
}

// fieldsForEntry builds the typed-field payload for a new entry.
func fieldsForEntry(name, message string, now time.Time) map[string]value {
	return map[string]value{
		"name":      stringField(name),
		"message":   stringField(message),
		"timestamp": timestampField(now),
	}
}

func trailingSegment(name string) string {
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
