package api

import (
	"fmt"
	"strings"
	"time"
)

type (
	// RequestType classifies a human-in-the-loop request
	RequestType string

	// PendingHumanRequest describes one outstanding request for human
	// input. At most one exists per suspension point.
	PendingHumanRequest struct {
		Type           RequestType    `json:"type"`
		Message        string         `json:"message"`
		TimeoutSeconds float64        `json:"timeout,omitempty"`
		Default        any            `json:"default,omitempty"`
		Options        []any          `json:"options,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		CreatedAt      time.Time      `json:"created_at"`
	}

	// HumanResponse carries a decoded human answer
	HumanResponse struct {
		Value       any       `json:"value"`
		RespondedAt time.Time `json:"responded_at"`
	}

	// ReviewResponse is the decoded form of a review-type answer
	ReviewResponse struct {
		Decision       string `json:"decision"`
		Feedback       string `json:"feedback,omitempty"`
		EditedArtifact any    `json:"edited_artifact,omitempty"`
	}
)

const (
	RequestApproval   RequestType = "approval"
	RequestInput      RequestType = "input"
	RequestReview     RequestType = "review"
	RequestEscalation RequestType = "escalation"
)

var approvalWords = map[string]bool{
	"true": true, "yes": true, "y": true, "approve": true, "approved": true,
	"accept": true, "ok": true, "1": true,
	"false": false, "no": false, "n": false, "reject": false,
	"rejected": false, "deny": false, "denied": false, "0": false,
}

// Tag returns the pending-message tag corresponding to the request type
func (t RequestType) Tag() MessageTag {
	switch t {
	case RequestApproval:
		return TagPendingApproval
	case RequestInput:
		return TagPendingInput
	case RequestReview:
		return TagPendingReview
	case RequestEscalation:
		return TagPendingEscalation
	default:
		return TagPendingInput
	}
}

// Decode interprets a raw response value according to the request type:
// approval decodes to bool, input to string, review to a ReviewResponse
// shape, and escalation passes the value through untouched
func (t RequestType) Decode(raw any) any {
	switch t {
	case RequestApproval:
		return decodeApproval(raw)
	case RequestInput:
		return decodeInput(raw)
	case RequestReview:
		return decodeReview(raw)
	default:
		return raw
	}
}

func decodeApproval(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return approvalWords[strings.ToLower(strings.TrimSpace(v))]
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

func decodeInput(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func decodeReview(raw any) map[string]any {
	res := map[string]any{
		"decision":        "",
		"feedback":        "",
		"edited_artifact": nil,
	}
	switch v := raw.(type) {
	case map[string]any:
		if d, ok := v["decision"]; ok {
			res["decision"] = decodeInput(d)
		}
		if f, ok := v["feedback"]; ok {
			res["feedback"] = decodeInput(f)
		}
		if a, ok := v["edited_artifact"]; ok {
			res["edited_artifact"] = a
		}
	default:
		res["decision"] = decodeInput(raw)
	}
	return res
}
