package clearnode

import "github.com/alanyoungcy/streambet/internal/crypto"

// RPC method names.
const (
	MethodAuthRequest      = "auth_request"
	MethodAuthChallenge    = "auth_challenge"
	MethodAuthVerify       = "auth_verify"
	MethodCreateAppSession = "create_app_session"
	MethodGetAppSession    = "get_app_session"
	MethodSubmitAppState   = "submit_app_state"
	MethodCloseAppSession  = "close_app_session"
	MethodBalanceUpdate    = "bu"
	MethodAppSessionPush   = "asu"
	MethodPing             = "ping"
)

// AuthRequestParams opens the handshake.
type AuthRequestParams struct {
	Address     string             `json:"address"`
	SessionKey  string             `json:"session_key"`
	Application string             `json:"application"`
	Allowances  []crypto.Allowance `json:"allowances"`
	Scope       string             `json:"scope"`
	Expire      uint64             `json:"expire"`
}

// AuthChallengeParams is pushed by the coordinator in answer to auth_request.
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams returns the challenge; the policy signature rides in sig.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthVerifyResult confirms the handshake.
type AuthVerifyResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
	JWTToken   string `json:"jwt_token,omitempty"`
}

// WireAllocation is an allocation with its amount as a decimal string.
type WireAllocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// WireDefinition is the immutable session definition.
type WireDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// CreateAppSessionParams creates a session at version 1.
type CreateAppSessionParams struct {
	Definition  WireDefinition   `json:"definition"`
	Allocations []WireAllocation `json:"allocations"`
}

// AppSessionRef addresses one session.
type AppSessionRef struct {
	AppSessionID string `json:"app_session_id"`
}

// AppSessionResult is returned by every session mutation.
type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

// AppSessionInfo is the full state returned by get_app_session and pushed
// as asu.
type AppSessionInfo struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status"`
	Version      uint64 `json:"version"`
	WireDefinition
	Allocations []WireAllocation `json:"allocations"`
}

// SubmitAppStateParams proposes a new allocation set at Version.
type SubmitAppStateParams struct {
	AppSessionID string           `json:"app_session_id"`
	Intent       string           `json:"intent"`
	Version      uint64           `json:"version"`
	Allocations  []WireAllocation `json:"allocations"`
}

// CloseAppSessionParams finalizes a session with the payout set.
type CloseAppSessionParams struct {
	AppSessionID string           `json:"app_session_id"`
	Version      uint64           `json:"version"`
	Allocations  []WireAllocation `json:"allocations"`
}
