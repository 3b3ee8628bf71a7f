// Package payload defines the single content-typed byte envelope shared by
// invocation input/output, chat messages, and tool arguments (spec.md §9:
// "Polymorphism over payloads" — one Payload record, no opaque wire-level
// Any).
package payload

// Payload is bytes tagged with a content type.
type Payload struct {
	ContentType string
	Bytes       []byte
}

// JSON constructs a Payload with content type application/json.
func JSON(b []byte) Payload {
	return Payload{ContentType: "application/json", Bytes: b}
}

// Text constructs a Payload with content type text/plain.
func Text(s string) Payload {
	return Payload{ContentType: "text/plain", Bytes: []byte(s)}
}
