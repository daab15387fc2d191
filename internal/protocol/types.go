package protocol

import (
	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/store"
)

const ProtocolVersion = 1

// WebSocket message types
const (
	TypeAuth         = "auth"
	TypeAuthOk       = "auth.ok"
	TypeAuthFail     = "auth.fail"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeNotification = "notification"
	TypeError        = "error"
)

// RPC procedures, served at /rpc/{procedure}.
const (
	ProcCanStart     = "can_start_simulation"
	ProcStart        = "start_simulation_session"
	ProcMarkCounted  = "mark_simulation_counted"
	ProcEnd          = "end_simulation_session"
	ProcAbort        = "abort_simulation_session"
	ProcGetActive    = "get_active_simulation"
	ProcExpireStale  = "expire_stale_sessions"
	ProcGetQuota     = "get_quota"
	ProcSetUsedCount = "set_used_count"
)

// HTTP headers
const (
	HeaderUserID   = "X-User-ID"
	HeaderAPIKey   = "X-API-Key"
	HeaderAdminKey = "X-Admin-Key"
)

// Error codes
const (
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrRateLimited     = "RATE_LIMITED"
	ErrMessageTooLarge = "MESSAGE_TOO_LARGE"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrUnknownProc     = "UNKNOWN_PROCEDURE"
	ErrNotFound        = "NOT_FOUND"
	ErrInternal        = "INTERNAL"
)

type AuthPayload struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key,omitempty"`
}

type AuthOkPayload struct {
	UserID string `json:"user_id"`
}

// NotificationPayload is a committed change to one of the user's rows.
type NotificationPayload = store.Change

type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

type StartRequest struct {
	Kind  store.SessionKind `json:"kind"`
	Token string            `json:"token,omitempty"`
}

// TokenRequest is the body of every procedure addressing one session.
type TokenRequest struct {
	Token string `json:"token"`
}

type ExpireStaleRequest struct {
	StartedBefore int64 `json:"started_before_ms"`
}

type ExpireStaleResult struct {
	Expired int64 `json:"expired"`
}

type SetUsedCountRequest struct {
	Expected int64 `json:"expected"`
	Next     int64 `json:"next"`
}

type SetUsedCountResult struct {
	Applied bool `json:"applied"`
}

type ProvisionRequest struct {
	UserID string    `json:"user_id"`
	Tier   plan.Tier `json:"tier"`
}
