// Package protocol implements the HTTP report protocol between running
// test pages and the scheduler: inbound progress messages correlated by
// unit id, and the navigation instructions sent back.
package protocol

import (
	"encoding/json"

	"github.com/ethpandaops/browsertest/internal/report"
)

// Kind discriminates inbound report messages.
type Kind string

const (
	// KindAck is a bare liveness ping with no scheduling effect.
	KindAck Kind = "ack"
	// KindTestEnd reports the outcome of a single test.
	KindTestEnd Kind = "testEnd"
	// KindRunEnd reports that the page finished a full suite attempt.
	KindRunEnd Kind = "runEnd"
)

// Message is the envelope every report arrives in.
type Message struct {
	Kind    Kind            `json:"kind"`
	UnitID  string          `json:"unitId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TestEndPayload carries a single test's result. Failure is nil when the
// test passed.
type TestEndPayload struct {
	Name    string                `json:"name"`
	Failure *report.FailureDetail `json:"failure,omitempty"`
}

// RunEndPayload carries the aggregate counts for a suite attempt.
type RunEndPayload struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Instruction actions understood by the test page harness.
const (
	// ActionNavigate tells the page to load URL next. A soft retry is a
	// navigate back to the page's own URL.
	ActionNavigate = "navigate"
	// ActionDone tells the page its session has nothing further to run.
	ActionDone = "done"
)

// Instruction is the structured response to a runEnd report.
type Instruction struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}
