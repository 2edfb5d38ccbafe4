// Package broadcast submits signed transactions and watches for their
// inclusion. Submission replays the identical signed payload on every
// attempt; the transaction hash is the idempotency key and the chain
// deduplicates by it.
package broadcast

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/custody"
)

// Status is the lifecycle state of a broadcast transaction. An outcome is
// created pending and transitions exactly once to a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Outcome classifies what happened to a submitted transaction. Receipt is
// set for outcomes observed through a mined receipt.
type Outcome struct {
	Status  Status
	Hash    common.Hash
	Nonce   uint64
	Receipt *types.Receipt
	Reason  string
}

// Handle identifies one accepted submission. Raw carries the exact payload
// for replay.
type Handle struct {
	ID          string
	Hash        common.Hash
	From        common.Address
	Nonce       uint64
	Raw         []byte
	SubmittedAt time.Time
}

// ErrChainRejected marks transactions the chain refused to accept into the
// pool (nonce too low, underpriced, insufficient funds). The payload was
// definitely not submitted.
var ErrChainRejected = errors.New("transaction rejected by chain")

// ChainClient is the chain capability the manager needs.
type ChainClient interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Manager submits signed transactions and polls for their receipts.
type Manager struct {
	chain        ChainClient
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewManager(chain ChainClient, pollInterval, pollTimeout time.Duration) *Manager {
	return &Manager{
		chain:        chain,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Submit broadcasts the signed payload. A node reporting the transaction as
// already known counts as an accepted submission: the pool deduplicates by
// hash and the payload is byte-identical on every attempt.
func (m *Manager) Submit(ctx context.Context, signed *custody.SignedTransaction) (*Handle, error) {
	hash, err := m.chain.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		if isAlreadyKnown(err) {
			log.Debug().
				Str("tx_hash", signed.Hash.Hex()).
				Msg("Transaction already known to pool, treating submission as accepted")
			hash = signed.Hash
		} else if isPoolRejection(err) {
			return nil, errors.Wrapf(ErrChainRejected, "broadcast of %s refused: %v", signed.Hash.Hex(), err)
		} else {
			return nil, errors.Wrapf(err, "failed to broadcast transaction %s", signed.Hash.Hex())
		}
	}

	if hash != signed.Hash {
		// The node computed a different hash than the signer; the payload
		// was corrupted somewhere between signing and broadcast.
		return nil, errors.Wrapf(ErrChainRejected, "node reported hash %s for transaction signed as %s", hash.Hex(), signed.Hash.Hex())
	}

	log.Info().
		Str("tx_hash", signed.Hash.Hex()).
		Uint64("nonce", signed.Nonce).
		Str("from", signed.From.Hex()).
		Msg("Transaction broadcast")

	return &Handle{
		ID:          uuid.NewString(),
		Hash:        signed.Hash,
		From:        signed.From,
		Nonce:       signed.Nonce,
		Raw:         signed.Raw,
		SubmittedAt: time.Now(),
	}, nil
}

// Await polls for the transaction receipt until inclusion, the configured
// timeout (classified StatusDropped) or context cancellation. Cancellation
// abandons the local wait only; the submitted transaction may still be
// mined.
func (m *Manager) Await(ctx context.Context, h *Handle) (*Outcome, error) {
	deadline := time.NewTimer(m.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		outcome, err := m.ReceiptFor(ctx, h.Hash)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			outcome.Nonce = h.Nonce
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "abandoned wait for transaction %s", h.Hash.Hex())
		case <-deadline.C:
			log.Warn().
				Str("tx_hash", h.Hash.Hex()).
				Dur("timeout", m.pollTimeout).
				Msg("Transaction not mined within poll timeout")
			return &Outcome{
				Status: StatusDropped,
				Hash:   h.Hash,
				Nonce:  h.Nonce,
				Reason: "not mined within poll timeout",
			}, nil
		case <-ticker.C:
		}
	}
}

// ReceiptFor checks once for a mined receipt. It returns nil without error
// while the transaction is unmined.
func (m *Manager) ReceiptFor(ctx context.Context, hash common.Hash) (*Outcome, error) {
	receipt, err := m.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to fetch receipt for %s", hash.Hex())
	}

	outcome := &Outcome{
		Hash:    hash,
		Receipt: receipt,
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		outcome.Status = StatusConfirmed
	} else {
		outcome.Status = StatusFailed
		outcome.Reason = "execution reverted"
	}

	return outcome, nil
}

// NonceUsed reports whether the account's mined transaction count has moved
// past the nonce, i.e. some transaction with it is already on chain.
func (m *Manager) NonceUsed(ctx context.Context, account common.Address, nonce uint64) (bool, error) {
	count, err := m.chain.NonceAt(ctx, account)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read transaction count for %s", account.Hex())
	}
	return count > nonce, nil
}

// Pool rejection classification follows the error strings txpool implementations
// return; there is no stable error code for these.

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "alreadyknown") ||
		strings.Contains(msg, "known transaction")
}

func isPoolRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"nonce too low",
		"insufficient funds",
		"transaction underpriced",
		"replacement transaction underpriced",
		"exceeds block gas limit",
		"intrinsic gas too low",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
