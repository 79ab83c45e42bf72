package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for a later
// algorithm change without colliding with old digests.
const (
	DomainFields = "tasksync/fields/v1"
	DomainEvent  = "tasksync/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FieldsHash digests a field object. Two entities with equal hashes carry identical fields.
func FieldsHash(fields Object) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("FieldsHash: %w", err)
	}
	return hashWithDomain(DomainFields, canonical), nil
}

// EventHash identifies a push event by its content, so redelivery yields the same digest.
func EventHash(eventType, kind, id string, revision int64, fields Object) (string, error) {
	obj := Object{
		"type":     String(eventType),
		"kind":     String(kind),
		"id":       String(id),
		"revision": Int(revision),
	}
	if len(fields) > 0 {
		obj["fields"] = withoutNulls(fields)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventHash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// withoutNulls drops Null members; a cleared field hashes like an absent one.
func withoutNulls(obj Object) Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		if _, isNull := v.(Null); isNull {
			continue
		}
		out[k] = v
	}
	return out
}
