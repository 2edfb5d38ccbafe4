package custody

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Signer is the capability interface for the external MPC custody backend.
// It exposes signing and availability only; callers own all retry decisions.
type Signer interface {
	// Sign produces a signed, submittable transaction for the request. It
	// never retries internally. Failures are classified as
	// ErrSignerUnavailable (transient) or ErrSignerRejected (terminal).
	Sign(ctx context.Context, req *SigningRequest) (*SignedTransaction, error)

	// Healthy reports whether the custody backend is reachable.
	Healthy(ctx context.Context) error
}

var (
	// ErrSignerUnavailable marks transient signer failures. The outcome of
	// the signing request is unknown: the backend may have signed and the
	// response been lost.
	ErrSignerUnavailable = errors.New("custody signer unavailable")

	// ErrSignerRejected marks terminal signer failures such as policy
	// denials or malformed requests. Retrying the identical request cannot
	// succeed.
	ErrSignerRejected = errors.New("custody signer rejected request")
)

// SigningRequest is a fully priced transaction awaiting a signature. The
// nonce has already been reserved by the caller.
type SigningRequest struct {
	AccountRef           string // custody key reference for the sending account
	From                 common.Address
	To                   common.Address
	Value                *big.Int
	Data                 []byte
	Nonce                uint64
	ChainID              int64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SignedTransaction carries the submittable payload. Raw is replayed verbatim
// on every resubmission; Hash is derived from the signed content and serves
// as the idempotency key for the logical transaction.
type SignedTransaction struct {
	Raw   []byte
	Hash  common.Hash
	From  common.Address
	Nonce uint64
}
