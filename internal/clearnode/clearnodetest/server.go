// Package clearnodetest provides an in-process coordinator for tests. It
// speaks the same frames as the real service and enforces the session rules
// server-side: signatures, version sequencing, conservation and the closed
// state.
package clearnodetest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tweak the coordinator's behaviour.
type Options struct {
	// Application is the EIP-712 domain name expected on auth_verify.
	Application string
	// SilentVerify never answers auth_verify.
	SilentVerify bool
	// RejectVerify answers auth_verify with an error.
	RejectVerify bool
	// NoisyHandshake interleaves unrelated pushes into the handshake: a
	// balance update, a challenge for another request and an auth_verify
	// shaped push.
	NoisyHandshake bool
}

// Server is a fake coordinator.
type Server struct {
	t    testing.TB
	opts Options
	srv  *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*appSession
	conns    map[*peer]struct{}
	calls    map[string]int

	rejectVerifies int
}

type appSession struct {
	def     clearnode.WireDefinition
	version uint64
	status  string
	allocs  []clearnode.WireAllocation
}

type peer struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	// guarded by Server.mu
	authReq    *clearnode.AuthRequestParams
	challenge  string
	wallet     common.Address
	sessionKey common.Address
	authed     bool
}

// NewServer starts a coordinator that shuts down with the test.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Application == "" {
		opts.Application = "streambet"
	}
	s := &Server{
		t:        t,
		opts:     opts,
		sessions: make(map[string]*appSession),
		conns:    make(map[*peer]struct{}),
		calls:    make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL returns the websocket URL of the coordinator.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.ws.Close()
	}
}

// Calls returns how many requests for method were received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// RejectNextVerifies answers the next n auth_verify requests with an error.
func (s *Server) RejectNextVerifies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectVerifies = n
}

func (s *Server) takeRejection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectVerifies == 0 {
		return false
	}
	s.rejectVerifies--
	return true
}

// Session returns a snapshot of a session's state.
func (s *Server) Session(id string) (clearnode.AppSessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return clearnode.AppSessionInfo{}, false
	}
	return as.info(id), true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(p, raw)
	}
}

func (s *Server) handle(p *peer, raw []byte) {
	var frame struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Req) == 0 {
		return
	}
	var msg clearnode.Message
	if err := json.Unmarshal(frame.Req, &msg); err != nil {
		return
	}

	s.mu.Lock()
	s.calls[msg.Method]++
	s.mu.Unlock()

	switch msg.Method {
	case clearnode.MethodAuthRequest:
		s.authRequest(p, msg)
	case clearnode.MethodAuthVerify:
		s.authVerify(p, msg, frame.Sig)
	case clearnode.MethodPing:
		p.send(msg.ID, "pong", map[string]any{})
	default:
		if err := s.checkSigned(p, frame.Req, frame.Sig); err != nil {
			p.fail(msg.ID, err.Error())
			return
		}
		result, pushes, err := s.dispatch(p, msg)
		if err != nil {
			p.fail(msg.ID, err.Error())
			return
		}
		p.send(msg.ID, msg.Method, result)
		for _, info := range pushes {
			s.broadcast(clearnode.MethodAppSessionPush, info)
		}
	}
}

func (s *Server) authRequest(p *peer, msg clearnode.Message) {
	var req clearnode.AuthRequestParams
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		p.fail(msg.ID, "malformed auth_request")
		return
	}
	challenge := uuid.NewString()

	s.mu.Lock()
	p.authReq = &req
	p.challenge = challenge
	p.authed = false
	s.mu.Unlock()

	if s.opts.NoisyHandshake {
		p.send(0, clearnode.MethodBalanceUpdate, map[string]any{"balances": []any{}})
		p.send(0, clearnode.MethodAuthChallenge, clearnode.AuthChallengeParams{ChallengeMessage: "not-for-you"})
		p.send(0, clearnode.MethodAuthVerify, clearnode.AuthVerifyResult{Success: true})
	}
	p.send(msg.ID, clearnode.MethodAuthChallenge, clearnode.AuthChallengeParams{ChallengeMessage: challenge})
}

func (s *Server) authVerify(p *peer, msg clearnode.Message, sigs []string) {
	if s.opts.SilentVerify {
		return
	}
	if s.opts.NoisyHandshake {
		p.send(0, clearnode.MethodBalanceUpdate, map[string]any{"balances": []any{}})
	}
	if s.opts.RejectVerify || s.takeRejection() {
		p.fail(msg.ID, "authentication failed")
		return
	}

	var params clearnode.AuthVerifyParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		p.fail(msg.ID, "malformed auth_verify")
		return
	}

	s.mu.Lock()
	req, challenge := p.authReq, p.challenge
	s.mu.Unlock()

	if req == nil || params.Challenge != challenge || len(sigs) == 0 {
		p.fail(msg.ID, "invalid challenge")
		return
	}
	policy := crypto.Policy{
		Challenge:  challenge,
		Scope:      req.Scope,
		Wallet:     common.HexToAddress(req.Address),
		SessionKey: common.HexToAddress(req.SessionKey),
		ExpiresAt:  req.Expire,
		Allowances: req.Allowances,
	}
	signer, err := crypto.RecoverPolicySigner(s.opts.Application, policy, sigs[0])
	if err != nil || signer != policy.Wallet {
		p.fail(msg.ID, "invalid signature")
		return
	}

	s.mu.Lock()
	p.wallet = policy.Wallet
	p.sessionKey = policy.SessionKey
	p.authed = true
	s.mu.Unlock()

	p.send(msg.ID, clearnode.MethodAuthVerify, clearnode.AuthVerifyResult{
		Address:    req.Address,
		SessionKey: req.SessionKey,
		Success:    true,
		JWTToken:   "jwt-" + uuid.NewString(),
	})
}

func (s *Server) checkSigned(p *peer, req json.RawMessage, sigs []string) error {
	s.mu.Lock()
	authed, key := p.authed, p.sessionKey
	s.mu.Unlock()
	if !authed {
		return fmt.Errorf("authentication required")
	}
	if len(sigs) == 0 {
		return fmt.Errorf("missing signature")
	}
	got, err := crypto.RecoverPayloadSigner(req, sigs[0])
	if err != nil || got != key {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (s *Server) dispatch(p *peer, msg clearnode.Message) (any, []clearnode.AppSessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Method {
	case clearnode.MethodCreateAppSession:
		var params clearnode.CreateAppSessionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("malformed params")
		}
		if err := validateDefinition(params.Definition); err != nil {
			return nil, nil, err
		}
		if _, err := sums(params.Allocations); err != nil {
			return nil, nil, err
		}
		id := common.BytesToHash(ethcrypto.Keccak256([]byte(uuid.NewString()))).Hex()
		as := &appSession{def: params.Definition, version: 1, status: string(domain.SessionOpen), allocs: params.Allocations}
		s.sessions[id] = as
		return clearnode.AppSessionResult{AppSessionID: id, Version: 1, Status: as.status}, []clearnode.AppSessionInfo{as.info(id)}, nil

	case clearnode.MethodGetAppSession:
		var ref clearnode.AppSessionRef
		if err := json.Unmarshal(msg.Params, &ref); err != nil {
			return nil, nil, fmt.Errorf("malformed params")
		}
		as, ok := s.sessions[ref.AppSessionID]
		if !ok {
			return nil, nil, fmt.Errorf("app session not found")
		}
		return as.info(ref.AppSessionID), nil, nil

	case clearnode.MethodSubmitAppState:
		var params clearnode.SubmitAppStateParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("malformed params")
		}
		as, err := s.mutable(params.AppSessionID, params.Version)
		if err != nil {
			return nil, nil, err
		}
		if err := checkTransition(domain.Intent(params.Intent), as.allocs, params.Allocations); err != nil {
			return nil, nil, err
		}
		as.allocs = params.Allocations
		as.version++
		return clearnode.AppSessionResult{AppSessionID: params.AppSessionID, Version: as.version, Status: as.status},
			[]clearnode.AppSessionInfo{as.info(params.AppSessionID)}, nil

	case clearnode.MethodCloseAppSession:
		var params clearnode.CloseAppSessionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("malformed params")
		}
		as, err := s.mutable(params.AppSessionID, params.Version)
		if err != nil {
			return nil, nil, err
		}
		if weightOf(as.def, p.wallet) < as.def.Quorum {
			return nil, nil, fmt.Errorf("quorum not reached: signer weight below %d", as.def.Quorum)
		}
		if err := checkTransition(domain.IntentClose, as.allocs, params.Allocations); err != nil {
			return nil, nil, err
		}
		as.allocs = params.Allocations
		as.version++
		as.status = string(domain.SessionClosed)
		return clearnode.AppSessionResult{AppSessionID: params.AppSessionID, Version: as.version, Status: as.status},
			[]clearnode.AppSessionInfo{as.info(params.AppSessionID)}, nil
	}
	return nil, nil, fmt.Errorf("unsupported method %q", msg.Method)
}

// mutable returns the session if it may move to version next. Caller holds s.mu.
func (s *Server) mutable(id string, next uint64) (*appSession, error) {
	as, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("app session not found")
	}
	if as.status == string(domain.SessionClosed) {
		return nil, fmt.Errorf("app session %s is closed", id)
	}
	if next != as.version+1 {
		return nil, fmt.Errorf("version mismatch: expected %d, got %d", as.version+1, next)
	}
	return as, nil
}

func (s *Server) broadcast(method string, payload any) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		if p.authed {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.send(0, method, payload)
	}
}

func (as *appSession) info(id string) clearnode.AppSessionInfo {
	return clearnode.AppSessionInfo{
		AppSessionID:   id,
		Status:         as.status,
		Version:        as.version,
		WireDefinition: as.def,
		Allocations:    append([]clearnode.WireAllocation(nil), as.allocs...),
	}
}

func (p *peer) send(id uint64, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	frame, err := json.Marshal(clearnode.Envelope{Res: &clearnode.Message{
		ID:        id,
		Method:    method,
		Params:    raw,
		Timestamp: uint64(time.Now().UnixMilli()),
	}})
	if err != nil {
		return
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.ws.WriteMessage(websocket.TextMessage, frame)
}

func (p *peer) fail(id uint64, message string) {
	p.send(id, clearnode.MethodError, clearnode.ErrorParams{Error: message})
}

// --------------------------------------------------------------------------
// Session rules
// --------------------------------------------------------------------------

func validateDefinition(d clearnode.WireDefinition) error {
	if len(d.Participants) == 0 {
		return fmt.Errorf("invalid app session definition: no participants")
	}
	if len(d.Weights) != len(d.Participants) {
		return fmt.Errorf("invalid app session definition: %d weights for %d participants", len(d.Weights), len(d.Participants))
	}
	var total int64
	for _, w := range d.Weights {
		if w < 0 {
			return fmt.Errorf("invalid app session definition: negative weight")
		}
		total += w
	}
	if d.Quorum <= 0 || d.Quorum > total {
		return fmt.Errorf("invalid app session definition: quorum %d unreachable", d.Quorum)
	}
	return nil
}

func weightOf(d clearnode.WireDefinition, addr common.Address) int64 {
	for i, p := range d.Participants {
		if domain.SameAddress(p, addr.Hex()) && i < len(d.Weights) {
			return d.Weights[i]
		}
	}
	return 0
}

type allocKey struct{ participant, asset string }

func amounts(allocs []clearnode.WireAllocation) (map[allocKey]*big.Int, error) {
	out := make(map[allocKey]*big.Int, len(allocs))
	for _, a := range allocs {
		v, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", a.Amount)
		}
		if v.Sign() < 0 {
			return nil, fmt.Errorf("negative allocation for %s", a.Participant)
		}
		k := allocKey{strings.ToLower(a.Participant), a.Asset}
		if prev, ok := out[k]; ok {
			v.Add(v, prev)
		}
		out[k] = v
	}
	return out, nil
}

func sums(allocs []clearnode.WireAllocation) (map[string]*big.Int, error) {
	per, err := amounts(allocs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int)
	for k, v := range per {
		if out[k.asset] == nil {
			out[k.asset] = new(big.Int)
		}
		out[k.asset].Add(out[k.asset], v)
	}
	return out, nil
}

func checkTransition(intent domain.Intent, before, after []clearnode.WireAllocation) error {
	prev, err := amounts(before)
	if err != nil {
		return err
	}
	next, err := amounts(after)
	if err != nil {
		return err
	}
	prevSum, _ := sums(before)
	nextSum, _ := sums(after)

	assets := make(map[string]struct{})
	for a := range prevSum {
		assets[a] = struct{}{}
	}
	for a := range nextSum {
		assets[a] = struct{}{}
	}
	get := func(m map[string]*big.Int, a string) *big.Int {
		if v, ok := m[a]; ok {
			return v
		}
		return new(big.Int)
	}

	switch intent {
	case domain.IntentDeposit:
		for k, v := range prev {
			n, ok := next[k]
			if !ok || n.Cmp(v) < 0 {
				return fmt.Errorf("deposit may not decrease allocation of %s", k.participant)
			}
		}
		for a := range assets {
			if get(nextSum, a).Cmp(get(prevSum, a)) < 0 {
				return fmt.Errorf("deposit decreases total of %s", a)
			}
		}
	case domain.IntentOperate, domain.IntentClose:
		for a := range assets {
			if get(nextSum, a).Cmp(get(prevSum, a)) != 0 {
				return fmt.Errorf("allocation sum mismatch for %s: have %s, proposed %s", a, get(prevSum, a), get(nextSum, a))
			}
		}
	default:
		return fmt.Errorf("unknown intent %q", intent)
	}
	return nil
}
