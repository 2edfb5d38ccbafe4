package txn

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/chain"
	"github.com/basin-global/terroir/internal/config"
	"github.com/basin-global/terroir/internal/custody"
	"github.com/basin-global/terroir/internal/metrics"
	"github.com/basin-global/terroir/internal/txn/broadcast"
	"github.com/basin-global/terroir/internal/txn/noncer"
	"github.com/basin-global/terroir/internal/txn/retry"
)

const baseFeeHeadroom = 2 // maxFee = baseFee*2 + tip

type service struct {
	chainID     int64
	chain       chain.Client
	signer      custody.Signer
	sequencer   *noncer.Sequencer
	broadcaster *broadcast.Manager
	policy      retry.Policy
	metrics     *metrics.Service

	defaultGasLimit uint64
	gasLimitCap     uint64
}

// NewService creates the transaction service.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewService(
	cfg config.Server,
	chainClient chain.Client,
	signer custody.Signer,
	sequencer *noncer.Sequencer,
	broadcaster *broadcast.Manager,
	m *metrics.Service,
) Service {
	return &service{
		chainID:     cfg.Chain.ChainID,
		chain:       chainClient,
		signer:      signer,
		sequencer:   sequencer,
		broadcaster: broadcaster,
		policy: retry.Policy{
			MaxSignAttempts:   cfg.Retry.MaxSignAttempts,
			MaxSubmitAttempts: cfg.Retry.MaxSubmitAttempts,
			BackoffBase:       cfg.Retry.BackoffBase,
			BackoffMax:        cfg.Retry.BackoffMax,
		},
		metrics:         m,
		defaultGasLimit: cfg.Chain.DefaultGasLimit,
		gasLimitCap:     cfg.Chain.GasLimitCap,
	}
}

// Send implements the full submission path. Same-account calls are
// serialized by the nonce reservation; different accounts proceed
// independently.
func (s *service) Send(ctx context.Context, req *Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	// Pricing happens before the nonce is reserved so pricing failures
	// never leave a reservation behind.
	gasLimit, maxFee, tipCap, err := s.price(ctx, req, from, to, value)
	if err != nil {
		return nil, err
	}

	res, err := s.sequencer.Reserve(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve nonce")
	}

	started := time.Now()
	sreq := &custody.SigningRequest{
		AccountRef:           req.AccountRef(),
		From:                 from,
		To:                   to,
		Value:                value,
		Data:                 req.Data,
		Nonce:                res.Nonce,
		ChainID:              s.chainID,
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tipCap,
	}

	driver := retry.NewDriver(s.policy, s.broadcaster, s.broadcaster)
	outcome, err := driver.Run(ctx, from, res.Nonce, func(ctx context.Context) (*custody.SignedTransaction, error) {
		return s.signer.Sign(ctx, sreq)
	})

	s.settle(res, driver, outcome, err)
	s.record(driver, outcome, started)

	if err != nil {
		log.Error().
			Err(err).
			Str("from", from.Hex()).
			Uint64("nonce", res.Nonce).
			Str("state", string(driver.State())).
			Msg("Transaction did not reach a terminal chain outcome")
		return nil, err
	}

	log.Info().
		Str("from", from.Hex()).
		Uint64("nonce", res.Nonce).
		Str("tx_hash", outcome.Hash.Hex()).
		Str("status", string(outcome.Status)).
		Msg("Transaction settled")

	return outcome, nil
}

// settle resolves the nonce reservation for every possible exit. Terminal
// outcomes consumed the nonce on chain; definite non-submissions roll it
// back; anything ambiguous is flagged for reconciliation.
func (s *service) settle(res *noncer.Reservation, driver *retry.Driver, outcome *Outcome, err error) {
	switch {
	case err == nil:
		// Confirmed or Failed: either way a transaction with this nonce is
		// on chain (a reverted transaction still consumes its nonce), or
		// the nonce was observed consumed before signing completed.
		res.Confirm()
	case errors.Is(err, broadcast.ErrChainRejected):
		// pool refused the payload; definitely not submitted
		res.Release()
		s.metrics.NoncesReleasedTotal.Inc()
	case driver.EverSubmitted():
		// exhausted or abandoned after at least one accepted submission;
		// the transaction may still be mined
		res.Flag()
		s.metrics.NoncesFlaggedTotal.Inc()
	default:
		// signing never produced an accepted submission
		res.Release()
		s.metrics.NoncesReleasedTotal.Inc()
	}
}

func (s *service) record(driver *retry.Driver, outcome *Outcome, started time.Time) {
	if driver.SignAttempts() > 1 {
		s.metrics.SignRetriesTotal.Add(float64(driver.SignAttempts() - 1))
	}
	if driver.SubmitAttempts() > 0 {
		s.metrics.BroadcastsTotal.Inc()
	}
	if driver.SubmitAttempts() > 1 {
		s.metrics.ResubmissionsTotal.Add(float64(driver.SubmitAttempts() - 1))
	}

	switch driver.State() {
	case retry.StateConfirmed:
		s.metrics.TransactionsConfirmed.Inc()
	case retry.StateFailed:
		if outcome != nil {
			s.metrics.TransactionsFailed.Inc()
		}
	case retry.StateExhausted:
		s.metrics.SubmissionsExhausted.Inc()
	}

	s.metrics.SubmissionDurationSecs.Observe(time.Since(started).Seconds())
}

// price resolves gas limit and EIP-1559 fees, honoring explicit request
// overrides.
func (s *service) price(ctx context.Context, req *Request, from, to common.Address, value *big.Int) (uint64, *big.Int, *big.Int, error) {
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		if len(req.Data) == 0 {
			gasLimit = s.defaultGasLimit
		} else {
			estimated, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{
				From:  from,
				To:    &to,
				Value: value,
				Data:  req.Data,
			})
			if err != nil {
				return 0, nil, nil, errors.Wrap(err, "failed to estimate gas")
			}
			gasLimit = estimated + estimated/10 // 10% headroom
		}
	}
	if s.gasLimitCap > 0 && gasLimit > s.gasLimitCap {
		return 0, nil, nil, errors.Wrapf(ErrValidation, "gas limit %d exceeds cap %d", gasLimit, s.gasLimitCap)
	}

	tipCap := req.MaxPriorityFeePerGas
	maxFee := req.MaxFeePerGas
	if tipCap == nil || maxFee == nil {
		suggested, err := s.chain.SuggestGasTipCap(ctx)
		if err != nil {
			return 0, nil, nil, errors.Wrap(err, "failed to suggest gas tip cap")
		}
		header, err := s.chain.LatestHeader(ctx)
		if err != nil {
			return 0, nil, nil, errors.Wrap(err, "failed to get latest header")
		}
		if header.BaseFee == nil {
			return 0, nil, nil, errors.New("chain does not report a base fee")
		}

		if tipCap == nil {
			tipCap = suggested
		}
		if maxFee == nil {
			maxFee = new(big.Int).Add(
				new(big.Int).Mul(header.BaseFee, big.NewInt(baseFeeHeadroom)),
				tipCap,
			)
		}
	}
	if maxFee.Cmp(tipCap) < 0 {
		return 0, nil, nil, errors.Wrapf(ErrValidation, "max fee %s below priority fee %s", maxFee, tipCap)
	}

	return gasLimit, maxFee, tipCap, nil
}
