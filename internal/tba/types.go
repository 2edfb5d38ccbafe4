package tba

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Service provisions token bound accounts.
type Service interface {
	// Ensure returns the deterministic account address for the token,
	// deploying the account if and only if no code exists at the address.
	// A failed deployment leaves the account undeployed and Ensure safe to
	// retry.
	Ensure(ctx context.Context, req *Request) (*Account, error)
}

var (
	// ErrInvalidRequest marks malformed provisioning requests.
	ErrInvalidRequest = errors.New("invalid token bound account request")

	// ErrDeploymentFailed marks a provisioning attempt whose deployment
	// transaction did not confirm.
	ErrDeploymentFailed = errors.New("token bound account deployment failed")
)

// Request identifies the owning token. Implementation, chain id and salt are
// optional and fall back to configured defaults.
type Request struct {
	TokenContract  string
	TokenID        *big.Int
	Implementation string
	ChainID        int64
	Salt           string // 32-byte hex
}

// Account is a derived account address paired with its deployment status.
// The address is a pure function of the request and never changes; only the
// deployed flag reflects chain state.
type Account struct {
	Address  common.Address
	Deployed bool
}
