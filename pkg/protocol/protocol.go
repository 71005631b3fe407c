// Package protocol defines the newline-delimited JSON envelope spoken
// between the gateway and orchestration clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
)

type Action string

const (
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"
	ActionReset  Action = "reset"
	ActionStep   Action = "step"
	ActionDebug  Action = "debug"
)

func (a Action) Valid() bool {
	switch a {
	case ActionLogin, ActionLogout, ActionReset, ActionStep, ActionDebug:
		return true
	}
	return false
}

// Meta addresses a request to a session. Token is echoed back unchanged so
// the peer can match responses to requests on a pipelined connection.
type Meta struct {
	ID    string `json:"id,omitempty"`
	Token string `json:"token,omitempty"`
}

type Request struct {
	Action Action          `json:"action"`
	Body   json.RawMessage `json:"body,omitempty"`
	Meta   Meta            `json:"meta"`
}

type Response struct {
	Error bool            `json:"error"`
	Body  json.RawMessage `json:"body,omitempty"`
	Meta  Meta            `json:"meta"`
}

func NewRequest(a Action, meta Meta, body any) (Request, error) {
	req := Request{Action: a, Meta: meta}
	if body == nil {
		return req, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s body: %w", a, err)
	}
	req.Body = raw
	return req, nil
}

// NewResponse wraps a successful result.
func NewResponse(meta Meta, body any) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		return ErrorResponse(meta, core.Errorf(core.CodeInternal, "encode response: %v", err))
	}
	return Response{Body: raw, Meta: meta}
}

// ErrorResponse wraps an error in its wire form.
func ErrorResponse(meta Meta, err error) Response {
	raw, _ := json.Marshal(core.AsError(err))
	return Response{Error: true, Body: raw, Meta: meta}
}

// Decode unpacks a response into out, or returns the carried *core.Error.
func (r Response) Decode(out any) error {
	if r.Error {
		var e core.Error
		if err := json.Unmarshal(r.Body, &e); err != nil || e.Code == "" {
			return core.Errorf(core.CodeProtocol, "undecodable error body: %s", string(r.Body))
		}
		return &e
	}
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return core.Errorf(core.CodeProtocol, "decode response body: %v", err)
	}
	return nil
}

type LoginBody struct {
	Agent            string `json:"agent,omitempty"`
	Role             string `json:"role,omitempty"`
	AllowForcedReset bool   `json:"allowForcedReset,omitempty"`
}

type LoginResult struct {
	ID              string       `json:"id"`
	ActionSpec      *action.Spec `json:"actionSpec"`
	ObservationSize int          `json:"observationSize"`
	ClockMode       string       `json:"clockMode"`
}

type StepBody struct {
	Action []int `json:"action"`
}

type LogoutResult struct {
	Released bool `json:"released"`
}

// Event is one entry of a session's recent history.
type Event struct {
	At     time.Time `json:"at"`
	Tick   uint64    `json:"tick,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

type SessionSnapshot struct {
	ID             string            `json:"id"`
	State          core.SessionState `json:"state"`
	Agent          string            `json:"agent,omitempty"`
	Role           string            `json:"role,omitempty"`
	Episode        int               `json:"episode"`
	TickOfLastStep uint64            `json:"tickOfLastStep"`
	StepsInEpisode int               `json:"stepsInEpisode"`
	Opponent       *core.OpponentRef `json:"opponent,omitempty"`
	Strategy       string            `json:"strategy,omitempty"`
	Stalled        bool              `json:"stalled"`
	PendingReward  float64           `json:"pendingReward"`
	MissedTicks    int               `json:"missedTicks"`
	History        []Event           `json:"history,omitempty"`
	World          map[string]any    `json:"world,omitempty"`
}

type GatewaySnapshot struct {
	ClockMode   string `json:"clockMode"`
	Tick        uint64 `json:"tick"`
	Sessions    int    `json:"sessions"`
	MaxSessions int    `json:"maxSessions"`
}

type DebugResult struct {
	Session SessionSnapshot `json:"session"`
	Gateway GatewaySnapshot `json:"gateway"`
}
