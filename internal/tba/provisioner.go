package tba

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/basin-global/terroir/internal/config"
	"github.com/basin-global/terroir/internal/metrics"
	"github.com/basin-global/terroir/internal/txn"
)

// registryABIJSON is the createAccount entry point of the ERC-6551 registry.
const registryABIJSON = `[{"inputs":[{"internalType":"address","name":"implementation","type":"address"},{"internalType":"bytes32","name":"salt","type":"bytes32"},{"internalType":"uint256","name":"chainId","type":"uint256"},{"internalType":"address","name":"tokenContract","type":"address"},{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"createAccount","outputs":[{"internalType":"address","name":"account","type":"address"}],"stateMutability":"nonpayable","type":"function"}]`

// ChainReader checks for deployed code at an address.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

// TransactionSender submits the deployment transaction.
type TransactionSender interface {
	Send(ctx context.Context, req *txn.Request) (*txn.Outcome, error)
}

type service struct {
	registry    common.Address
	defaultImpl common.Address
	defaultSalt [32]byte
	chainID     int64
	deployer    common.Address

	chain       ChainReader
	sender      TransactionSender
	registryABI abi.ABI
	metrics     *metrics.Service

	// collapses concurrent Ensure calls per derived address so at most one
	// deployment transaction is ever in flight for an account
	group singleflight.Group
}

// NewService creates the provisioning service.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewService(cfg config.Server, chainReader ChainReader, sender TransactionSender, m *metrics.Service) (Service, error) {
	if !common.IsHexAddress(cfg.TBA.RegistryAddress) {
		return nil, errors.Errorf("malformed registry address %q", cfg.TBA.RegistryAddress)
	}
	if cfg.TBA.DeployerAddress != "" && !common.IsHexAddress(cfg.TBA.DeployerAddress) {
		return nil, errors.Errorf("malformed deployer address %q", cfg.TBA.DeployerAddress)
	}

	var defaultImpl common.Address
	if cfg.TBA.DefaultImplementation != "" {
		if !common.IsHexAddress(cfg.TBA.DefaultImplementation) {
			return nil, errors.Errorf("malformed default implementation address %q", cfg.TBA.DefaultImplementation)
		}
		defaultImpl = common.HexToAddress(cfg.TBA.DefaultImplementation)
	}

	defaultSalt, err := parseSalt(cfg.TBA.DefaultSalt)
	if err != nil {
		return nil, errors.Wrap(err, "malformed default salt")
	}

	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse registry ABI")
	}

	return &service{
		registry:    common.HexToAddress(cfg.TBA.RegistryAddress),
		defaultImpl: defaultImpl,
		defaultSalt: defaultSalt,
		chainID:     cfg.Chain.ChainID,
		deployer:    common.HexToAddress(cfg.TBA.DeployerAddress),
		chain:       chainReader,
		sender:      sender,
		registryABI: registryABI,
		metrics:     m,
	}, nil
}

// Ensure derives the account address, checks chain state and deploys only
// when no code exists at the address.
func (s *service) Ensure(ctx context.Context, req *Request) (*Account, error) {
	tokenContract, tokenID, implementation, chainID, salt, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	address := ComputeAddress(s.registry, implementation, salt, chainID, tokenContract, tokenID)

	v, err, _ := s.group.Do(address.Hex(), func() (interface{}, error) {
		return s.ensureDeployed(ctx, address, tokenContract, tokenID, implementation, chainID, salt)
	})
	if err != nil {
		return nil, err
	}

	account, ok := v.(*Account)
	if !ok {
		return nil, errors.New("unexpected provisioning result type")
	}
	return account, nil
}

func (s *service) ensureDeployed(
	ctx context.Context,
	address common.Address,
	tokenContract common.Address,
	tokenID *big.Int,
	implementation common.Address,
	chainID *big.Int,
	salt [32]byte,
) (*Account, error) {
	code, err := s.chain.CodeAt(ctx, address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check code at %s", address.Hex())
	}
	if len(code) > 0 {
		s.metrics.AccountsAlreadyDeployed.Inc()
		log.Debug().
			Str("account", address.Hex()).
			Msg("Token bound account already deployed")
		return &Account{Address: address, Deployed: true}, nil
	}

	calldata, err := s.registryABI.Pack("createAccount", implementation, salt, chainID, tokenContract, tokenID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack createAccount calldata")
	}

	outcome, err := s.sender.Send(ctx, &txn.Request{
		From: s.deployer.Hex(),
		To:   s.registry.Hex(),
		Data: calldata,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrDeploymentFailed, "deployment of %s: %v", address.Hex(), err)
	}
	if outcome.Status != txn.StatusConfirmed {
		return nil, errors.Wrapf(ErrDeploymentFailed, "deployment transaction %s ended %s: %s", outcome.Hash.Hex(), outcome.Status, outcome.Reason)
	}

	s.metrics.AccountsDeployedTotal.Inc()
	log.Info().
		Str("account", address.Hex()).
		Str("token_contract", tokenContract.Hex()).
		Str("token_id", tokenID.String()).
		Str("tx_hash", outcome.Hash.Hex()).
		Msg("Token bound account deployed")

	return &Account{Address: address, Deployed: true}, nil
}

// resolve validates the request and applies configured defaults.
func (s *service) resolve(req *Request) (common.Address, *big.Int, common.Address, *big.Int, [32]byte, error) {
	var zeroSalt [32]byte

	if !common.IsHexAddress(req.TokenContract) {
		return common.Address{}, nil, common.Address{}, nil, zeroSalt, errors.Wrapf(ErrInvalidRequest, "malformed token contract %q", req.TokenContract)
	}
	if req.TokenID == nil || req.TokenID.Sign() < 0 {
		return common.Address{}, nil, common.Address{}, nil, zeroSalt, errors.Wrap(ErrInvalidRequest, "token id must be a non-negative integer")
	}

	implementation := s.defaultImpl
	if req.Implementation != "" {
		if !common.IsHexAddress(req.Implementation) {
			return common.Address{}, nil, common.Address{}, nil, zeroSalt, errors.Wrapf(ErrInvalidRequest, "malformed implementation address %q", req.Implementation)
		}
		implementation = common.HexToAddress(req.Implementation)
	}
	if implementation == (common.Address{}) {
		return common.Address{}, nil, common.Address{}, nil, zeroSalt, errors.Wrap(ErrInvalidRequest, "no implementation address given and no default configured")
	}

	chainID := s.chainID
	if req.ChainID != 0 {
		chainID = req.ChainID
	}

	salt := s.defaultSalt
	if req.Salt != "" {
		parsed, err := parseSalt(req.Salt)
		if err != nil {
			return common.Address{}, nil, common.Address{}, nil, zeroSalt, errors.Wrapf(ErrInvalidRequest, "malformed salt: %v", err)
		}
		salt = parsed
	}

	return common.HexToAddress(req.TokenContract), req.TokenID, implementation, big.NewInt(chainID), salt, nil
}

func parseSalt(raw string) ([32]byte, error) {
	var salt [32]byte
	if raw == "" {
		return salt, nil
	}

	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return salt, errors.Wrapf(err, "salt %q is not valid hex", raw)
	}
	if len(decoded) != 32 {
		return salt, errors.Errorf("salt must be 32 bytes, got %d", len(decoded))
	}

	copy(salt[:], decoded)
	return salt, nil
}
