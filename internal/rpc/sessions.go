package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/helpers"
)

// ========================================
// Session handlers
// ========================================

// SessionCreateParams is the parameters for session_create. Amounts can be
// given in smallest units or as decimal strings; when both are present the
// smallest-unit field wins.
type SessionCreateParams struct {
	SourceChain  string `json:"source_chain"`           // e.g., "ETH"
	DestChain    string `json:"dest_chain"`             // e.g., "BASE"
	SourceToken  string `json:"source_token"`           // contract address or "native"
	DestToken    string `json:"dest_token"`             // contract address or "native"
	SourceAmount uint64 `json:"source_amount"`          // in smallest unit
	DestAmount   uint64 `json:"dest_amount"`            // in smallest unit
	SourceValue  string `json:"source_value,omitempty"` // decimal, chain decimals applied
	DestValue    string `json:"dest_value,omitempty"`   // decimal, chain decimals applied
	Maker        string `json:"maker"`                  // compressed secp256k1 pubkey, hex
	Taker        string `json:"taker"`                  // compressed secp256k1 pubkey, hex
}

// resolveAmount settles the smallest-unit amount for one leg.
func resolveAmount(amount uint64, value, chainID string) (uint64, error) {
	if amount > 0 || value == "" {
		return amount, nil
	}
	chain, ok := config.GetChain(chainID)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported chain %q", session.ErrValidation, chainID)
	}
	parsed, err := helpers.ParseAmount(value, chain.Decimals)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	return parsed, nil
}

// StepInfo represents one lifecycle step in RPC responses.
type StepInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SessionInfo represents session state in RPC responses. The secret is
// deliberately absent; it is only released through secret_get.
type SessionInfo struct {
	ID           string     `json:"id"`
	SourceChain  string     `json:"source_chain"`
	DestChain    string     `json:"dest_chain"`
	SourceToken  string     `json:"source_token"`
	DestToken    string     `json:"dest_token"`
	SourceAmount uint64     `json:"source_amount"`
	DestAmount   uint64     `json:"dest_amount"`
	SourceValue  string     `json:"source_value"` // human-readable, chain decimals applied
	DestValue    string     `json:"dest_value"`
	Maker        string     `json:"maker"`
	Taker        string     `json:"taker"`
	Commitment   string     `json:"commitment"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Degraded     bool       `json:"degraded"`
	Steps        []StepInfo `json:"steps"`
	SrcEscrowID  string     `json:"src_escrow_id,omitempty"`
	DstEscrowID  string     `json:"dst_escrow_id,omitempty"`
	NetworkFee   uint64     `json:"network_fee"`
	ProtocolFee  uint64     `json:"protocol_fee"`
	CreatedAt    int64      `json:"created_at"`
	ExpiresAt    int64      `json:"expires_at"`
	UpdatedAt    int64      `json:"updated_at"`
}

func displayAmount(chainID string, amount uint64) string {
	chain, ok := config.GetChain(chainID)
	if !ok {
		return helpers.FormatAmount(amount, 0)
	}
	return helpers.FormatAmount(amount, chain.Decimals)
}

func sessionToInfo(sess *session.SwapSession) SessionInfo {
	info := SessionInfo{
		ID:           sess.ID,
		SourceChain:  sess.SourceChain,
		DestChain:    sess.DestChain,
		SourceToken:  sess.SourceToken,
		DestToken:    sess.DestToken,
		SourceAmount: sess.SourceAmount,
		DestAmount:   sess.DestAmount,
		SourceValue:  displayAmount(sess.SourceChain, sess.SourceAmount),
		DestValue:    displayAmount(sess.DestChain, sess.DestAmount),
		Maker:        sess.Maker,
		Taker:        sess.Taker,
		Commitment:   sess.Commitment,
		Status:       string(sess.Status),
		Progress:     sess.Progress(),
		Degraded:     sess.Degraded,
		SrcEscrowID:  sess.SrcEscrowID,
		DstEscrowID:  sess.DstEscrowID,
		NetworkFee:   sess.Fees.NetworkFee,
		ProtocolFee:  sess.Fees.ProtocolFee,
		CreatedAt:    sess.CreatedAt.Unix(),
		ExpiresAt:    sess.ExpiresAt.Unix(),
		UpdatedAt:    sess.UpdatedAt.Unix(),
	}
	for _, st := range sess.Steps {
		info.Steps = append(info.Steps, StepInfo{Name: string(st.Name), Status: string(st.Status)})
	}
	return info
}

func (s *Server) sessionCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}

	sourceAmount, err := resolveAmount(p.SourceAmount, p.SourceValue, p.SourceChain)
	if err != nil {
		return nil, err
	}
	destAmount, err := resolveAmount(p.DestAmount, p.DestValue, p.DestChain)
	if err != nil {
		return nil, err
	}

	sess, err := s.coordinator.CreateSession(session.CreateParams{
		SourceChain:  p.SourceChain,
		DestChain:    p.DestChain,
		SourceToken:  p.SourceToken,
		DestToken:    p.DestToken,
		SourceAmount: sourceAmount,
		DestAmount:   destAmount,
		Maker:        p.Maker,
		Taker:        p.Taker,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Session created",
		"id", sess.ID,
		"pair", fmt.Sprintf("%s/%s", sess.SourceChain, sess.DestChain),
	)
	return sessionToInfo(sess), nil
}

// SessionGetParams is the parameters for session_get.
type SessionGetParams struct {
	ID string `json:"id"`
}

func (s *Server) sessionGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", session.ErrValidation)
	}

	sess, err := s.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(sess), nil
}

// SessionListParams is the parameters for session_list.
type SessionListParams struct {
	Status string `json:"status,omitempty"` // filter by status
	Chain  string `json:"chain,omitempty"`  // filter by source or dest chain
	Active bool   `json:"active,omitempty"` // only non-terminal sessions
	Limit  int    `json:"limit,omitempty"`  // max results
}

// SessionListResult is the response for session_list.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

func (s *Server) sessionList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
		}
	}

	sessions, err := s.store.List(session.Filter{
		Status: session.Status(p.Status),
		Chain:  p.Chain,
		Active: p.Active,
	})
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(sessions) > p.Limit {
		sessions = sessions[:p.Limit]
	}

	result := SessionListResult{Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, sess := range sessions {
		result.Sessions = append(result.Sessions, sessionToInfo(sess))
	}
	result.Count = len(result.Sessions)
	return result, nil
}

// ========================================
// Swap lifecycle handlers
// ========================================

// SwapExecuteParams is the parameters for swap_execute. The signature is a
// DER-encoded taker signature over the SHA-256 of the session ID.
type SwapExecuteParams struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

func (s *Server) swapExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	if p.ID == "" || p.Signature == "" {
		return nil, fmt.Errorf("%w: id and signature are required", session.ErrValidation)
	}

	if err := s.coordinator.Execute(p.ID, p.Signature); err != nil {
		return nil, err
	}

	sess, err := s.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(sess), nil
}

// SwapCancelParams is the parameters for swap_cancel.
type SwapCancelParams struct {
	ID string `json:"id"`
}

func (s *Server) swapCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", session.ErrValidation)
	}

	if err := s.coordinator.Cancel(p.ID); err != nil {
		return nil, err
	}

	sess, err := s.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(sess), nil
}

// SecretGetParams is the parameters for secret_get.
type SecretGetParams struct {
	ID        string `json:"id"`
	Requester string `json:"requester"` // compressed secp256k1 pubkey, hex
}

// SecretGetResult is the response for secret_get.
type SecretGetResult struct {
	ID         string `json:"id"`
	Secret     string `json:"secret"`
	Commitment string `json:"commitment"`
}

func (s *Server) secretGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	if p.ID == "" || p.Requester == "" {
		return nil, fmt.Errorf("%w: id and requester are required", session.ErrValidation)
	}

	secretHex, err := s.secrets.Disclose(p.ID, p.Requester)
	if err != nil {
		return nil, err
	}

	sess, err := s.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return SecretGetResult{ID: p.ID, Secret: secretHex, Commitment: sess.Commitment}, nil
}

// ========================================
// Node handlers
// ========================================

// LedgerStatus describes one observed ledger in node_status.
type LedgerStatus struct {
	Healthy  bool  `json:"healthy"`
	LastSeen int64 `json:"last_seen"`
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	ActiveSessions int                     `json:"active_sessions"`
	TotalSessions  int                     `json:"total_sessions"`
	WSClients      int                     `json:"ws_clients"`
	Ledgers        map[string]LedgerStatus `json:"ledgers"`
}

// observerStaleAfter bounds how old a poll can be before a ledger is
// reported unhealthy.
const observerStaleAfter = 2 * time.Minute

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	all, err := s.store.List(session.Filter{})
	if err != nil {
		return nil, err
	}

	result := NodeStatusResult{
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ActiveSessions: s.coordinator.ActiveSessions(),
		TotalSessions:  len(all),
		WSClients:      s.wsHub.ClientCount(),
		Ledgers:        make(map[string]LedgerStatus, len(s.observers)),
	}
	for chain, obs := range s.observers {
		result.Ledgers[chain] = LedgerStatus{
			Healthy:  obs.Healthy(observerStaleAfter),
			LastSeen: obs.LastSeen().Unix(),
		}
	}
	return result, nil
}

// ChainInfo describes one supported chain in chains_list.
type ChainInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Decimals          uint8  `json:"decimals"`
	ConfirmationDepth uint64 `json:"confirmation_depth"`
	BlockTimeSeconds  int64  `json:"block_time_seconds"`
	MinAmount         uint64 `json:"min_amount"`
	MaxAmount         uint64 `json:"max_amount"`
}

func (s *Server) chainsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	chains := make([]ChainInfo, 0, len(config.SupportedChains))
	for _, c := range config.SupportedChains {
		chains = append(chains, ChainInfo{
			ID:                c.ID,
			Name:              c.Name,
			Decimals:          c.Decimals,
			ConfirmationDepth: c.ConfirmationDepth,
			BlockTimeSeconds:  int64(c.BlockTime / time.Second),
			MinAmount:         c.MinAmount,
			MaxAmount:         c.MaxAmount,
		})
	}
	return chains, nil
}
