package txn

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/basin-global/terroir/internal/txn/broadcast"
)

// Service is the single externally exposed write path. All shared nonce
// state is mutated only through Send.
type Service interface {
	// Send validates the request, reserves a nonce, signs through custody,
	// broadcasts and drives the submission to a terminal outcome. The nonce
	// reservation is confirmed, released or flagged on every exit path.
	Send(ctx context.Context, req *Request) (*Outcome, error)
}

// Outcome re-exports the broadcast outcome as the service result type.
type Outcome = broadcast.Outcome

// Status re-exports the broadcast status values.
type Status = broadcast.Status

const (
	StatusPending   = broadcast.StatusPending
	StatusConfirmed = broadcast.StatusConfirmed
	StatusFailed    = broadcast.StatusFailed
	StatusDropped   = broadcast.StatusDropped
)

// ErrValidation marks malformed requests. No nonce is reserved and nothing
// is retried.
var ErrValidation = errors.New("invalid transaction request")

// Request describes a transaction to send. Addresses are hex strings and
// validated before any state is touched. Gas fields are optional; zero
// values mean "price it for me".
type Request struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte

	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Validate checks the request is well formed.
func (r *Request) Validate() error {
	if !common.IsHexAddress(r.From) {
		return errors.Wrapf(ErrValidation, "malformed sender address %q", r.From)
	}
	if !common.IsHexAddress(r.To) {
		return errors.Wrapf(ErrValidation, "malformed recipient address %q", r.To)
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return errors.Wrapf(ErrValidation, "negative value %s", r.Value)
	}
	if r.MaxFeePerGas != nil && r.MaxFeePerGas.Sign() < 0 {
		return errors.Wrap(ErrValidation, "negative max fee per gas")
	}
	if r.MaxPriorityFeePerGas != nil && r.MaxPriorityFeePerGas.Sign() < 0 {
		return errors.Wrap(ErrValidation, "negative max priority fee per gas")
	}
	return nil
}

// AccountRef is the custody key reference for the sender. The custody
// backend keys accounts by lowercased address.
func (r *Request) AccountRef() string {
	return strings.ToLower(common.HexToAddress(r.From).Hex())
}
