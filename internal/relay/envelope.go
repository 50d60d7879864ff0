package relay

import (
	"encoding/json"
	"fmt"
)

// Kind tags an envelope as regular data or an error report.
type Kind string

const (
	KindData  Kind = "data"
	KindError Kind = "error"
)

// Envelope is a frame parsed once at the router boundary. Raw carries
// the payload unmodified; downstream consumers parse further as they
// see fit. Only the run identifier and error tagging are lifted out.
type Envelope struct {
	Kind   Kind
	RunID  string
	Status string
	Errors []string
	Raw    []byte
}

// wireFrame is the conventional shape producers use: a run identifier
// plus optional status and error list. Unknown fields are ignored.
type wireFrame struct {
	UUID   string   `json:"uuid"`
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// ParseEnvelope decodes a frame into a tagged envelope. The frame must
// be a JSON object; anything else is a routing-level error. A missing
// run identifier is not an error here: the router drops such frames
// with a diagnostic after lookup fails.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var wire wireFrame
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, fmt.Errorf("frame is not valid JSON: %w", err)
	}

	env := Envelope{
		Kind:   KindData,
		RunID:  wire.UUID,
		Status: wire.Status,
		Errors: wire.Errors,
		Raw:    frame,
	}
	if wire.Status == "error" || len(wire.Errors) > 0 {
		env.Kind = KindError
	}
	return env, nil
}

// ErrorEnvelope builds a synthetic error frame for a run, used to give
// callers one uniform failure signal (e.g. subprocess spawn failure)
// through the same channel as real data frames.
func ErrorEnvelope(runID string, errs ...string) Envelope {
	raw, _ := json.Marshal(map[string]interface{}{
		"uuid":   runID,
		"status": "error",
		"errors": errs,
	})
	return Envelope{
		Kind:   KindError,
		RunID:  runID,
		Status: "error",
		Errors: errs,
		Raw:    raw,
	}
}
