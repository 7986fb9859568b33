package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recommendation-tracker/internal/domain"
)

// Code identifies which admission check rejected a proposal.
type Code string

const (
	CodeMTFConsistency Code = "MTF_CONSISTENCY"
	CodeExposureLimit  Code = "EXPOSURE_LIMIT"
	CodeExposureCap    Code = "EXPOSURE_CAP"
	CodeDuplicate      Code = "DUPLICATE_RECOMMENDATION"
	CodeCooldownActive Code = "COOLDOWN_ACTIVE"
)

// Kind narrows COOLDOWN_ACTIVE rejections.
type Kind string

const (
	KindHourly        Kind = "HOURLY"
	KindOpposite      Kind = "OPPOSITE"
	KindSameDirection Kind = "SAME_DIRECTION"
	KindGlobal        Kind = "GLOBAL"
)

// Scope narrows EXPOSURE_CAP rejections.
type Scope string

const (
	ScopeTotal Scope = "TOTAL"
	ScopeLong  Scope = "LONG"
	ScopeShort Scope = "SHORT"
)

func directionScope(d domain.Direction) Scope {
	if d == domain.DirectionShort {
		return ScopeShort
	}
	return ScopeLong
}

// Rejection is a typed admission outcome. Only the fields of the failing
// check are populated.
type Rejection struct {
	Code  Code  `json:"code"`
	Kind  Kind  `json:"kind"`
	Scope Scope `json:"scope"`

	// MTF_CONSISTENCY
	Agreement         float64          `json:"agreement"`
	MinAgreement      float64          `json:"min_agreement"`
	DominantDirection domain.Direction `json:"dominant_direction"`

	// EXPOSURE_LIMIT
	ActiveCount int `json:"active_count"`
	MaxActive   int `json:"max_active"`

	// EXPOSURE_CAP
	Current   float64 `json:"current"`
	Candidate float64 `json:"candidate"`
	Cap       float64 `json:"cap"`

	// DUPLICATE_RECOMMENDATION
	MatchedID    string  `json:"matched_id"`
	WindowMs     int64   `json:"window_ms"`
	ThresholdBps float64 `json:"threshold_bps"`
	ObservedBps  float64 `json:"observed_bps"`

	// COOLDOWN_ACTIVE
	Count           int        `json:"count"`
	Limit           int        `json:"limit"`
	BlockingID      string     `json:"blocking_id"`
	RemainingMs     int64      `json:"remaining_ms"`
	NextAvailableAt *time.Time `json:"next_available_at"`
}

// MarshalJSON writes the code and every context field of the failing check,
// zero values included.
func (r *Rejection) MarshalJSON() ([]byte, error) {
	out := map[string]any{"code": r.Code}
	switch r.Code {
	case CodeMTFConsistency:
		out["agreement"] = r.Agreement
		out["min_agreement"] = r.MinAgreement
		out["dominant_direction"] = r.DominantDirection
	case CodeExposureLimit:
		out["active_count"] = r.ActiveCount
		out["max_active"] = r.MaxActive
	case CodeExposureCap:
		out["scope"] = r.Scope
		out["current"] = r.Current
		out["candidate"] = r.Candidate
		out["cap"] = r.Cap
	case CodeDuplicate:
		out["matched_id"] = r.MatchedID
		out["window_ms"] = r.WindowMs
		out["threshold_bps"] = r.ThresholdBps
		out["observed_bps"] = r.ObservedBps
	case CodeCooldownActive:
		out["kind"] = r.Kind
		out["remaining_ms"] = r.RemainingMs
		out["next_available_at"] = r.NextAvailableAt
		switch r.Kind {
		case KindHourly:
			out["count"] = r.Count
			out["limit"] = r.Limit
		case KindOpposite, KindSameDirection:
			out["blocking_id"] = r.BlockingID
		}
	}
	return json.Marshal(out)
}

func (r *Rejection) Error() string {
	switch r.Code {
	case CodeMTFConsistency:
		return fmt.Sprintf("%s: agreement %.2f < %.2f or dominant %s", r.Code, r.Agreement, r.MinAgreement, r.DominantDirection)
	case CodeExposureLimit:
		return fmt.Sprintf("%s: %d active, max %d", r.Code, r.ActiveCount, r.MaxActive)
	case CodeExposureCap:
		return fmt.Sprintf("%s/%s: current %v + candidate %v > cap %v", r.Code, r.Scope, r.Current, r.Candidate, r.Cap)
	case CodeDuplicate:
		return fmt.Sprintf("%s: matches %s within %dms (%.2f bps <= %.2f)", r.Code, r.MatchedID, r.WindowMs, r.ObservedBps, r.ThresholdBps)
	case CodeCooldownActive:
		return fmt.Sprintf("%s/%s: retry in %dms", r.Code, r.Kind, r.RemainingMs)
	}
	return string(r.Code)
}

// AsRejection reports whether err is (or wraps) a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func cooldown(kind Kind, blockedUntil, now time.Time) *Rejection {
	next := blockedUntil
	return &Rejection{
		Code:            CodeCooldownActive,
		Kind:            kind,
		RemainingMs:     ceilMillis(blockedUntil.Sub(now)),
		NextAvailableAt: &next,
	}
}

// ceilMillis rounds d up to whole milliseconds so a blocked caller never
// sees a zero retry hint.
func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return ms
}
