package classify

import "fmt"

// Code discriminates payload error variants. Payload errors are terminal for
// the message but never for the pipeline.
type Code string

const (
	CodeMalformedEncoding    Code = "malformed_encoding"
	CodeUnknownTopic         Code = "unknown_topic"
	CodeMissingDiscriminator Code = "missing_discriminator"
	CodeUnknownDiscriminator Code = "unknown_discriminator"
	CodeSchemaViolation      Code = "schema_violation"
	CodeOutOfRange           Code = "out_of_range"
	CodeClockSkew            Code = "clock_skew"
)

// Error is the typed payload error returned by the classifier. Field and
// Value are populated for schema and range variants; HexPayload carries the
// hex-encoded raw bytes for malformed encodings.
type Error struct {
	Code       Code
	Field      string
	Value      float64
	HexPayload string
	Detail     string
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeSchemaViolation:
		return fmt.Sprintf("payload schema violation: field %q %s", e.Field, e.Detail)
	case CodeOutOfRange:
		return fmt.Sprintf("payload value out of range: %s=%v", e.Field, e.Value)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("payload error %s: %s", e.Code, e.Detail)
		}
		return "payload error " + string(e.Code)
	}
}

func schemaErr(field, detail string) *Error {
	return &Error{Code: CodeSchemaViolation, Field: field, Detail: detail}
}
