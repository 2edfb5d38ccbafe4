// Package retry drives one logical transaction from signing to a terminal
// outcome. A transient signer failure retries signing with the same reserved
// nonce; an ambiguous broadcast outcome is reconciled against chain state
// before the identical payload is replayed. A logical transaction is never
// re-signed with a different nonce.
package retry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/custody"
	"github.com/basin-global/terroir/internal/txn/broadcast"
)

// State of the submission state machine.
type State string

const (
	StateNotSent              State = "not_sent"
	StateSent                 State = "sent"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateFailed               State = "failed"
	StateExhausted            State = "exhausted"
)

// ErrExhausted marks a submission that ran out of retry budget without
// reaching a terminal chain outcome. The caller decides on manual
// intervention; nonce state is left consistent for a later retry.
var ErrExhausted = errors.New("submission retry budget exhausted")

// Policy bounds the retry loops.
type Policy struct {
	MaxSignAttempts   int
	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// Backoff returns the exponential backoff delay before the given retry
// (attempt counts from 1), capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// SignFunc produces the signed transaction for the already-reserved nonce.
// It is invoked again on transient signer failure, always for the same
// nonce.
type SignFunc func(ctx context.Context) (*custody.SignedTransaction, error)

// Broadcaster submits payloads and waits for inclusion.
type Broadcaster interface {
	Submit(ctx context.Context, signed *custody.SignedTransaction) (*broadcast.Handle, error)
	Await(ctx context.Context, h *broadcast.Handle) (*broadcast.Outcome, error)
}

// ChainProbe reconciles ambiguous outcomes against observed chain state.
type ChainProbe interface {
	ReceiptFor(ctx context.Context, hash common.Hash) (*broadcast.Outcome, error)
	NonceUsed(ctx context.Context, account common.Address, nonce uint64) (bool, error)
}

// Driver runs the state machine for a single logical transaction. It is not
// reusable across transactions.
type Driver struct {
	policy      Policy
	broadcaster Broadcaster
	probe       ChainProbe

	state          State
	signAttempts   int
	submitAttempts int
	everSubmitted  bool
}

func NewDriver(policy Policy, broadcaster Broadcaster, probe ChainProbe) *Driver {
	if policy.MaxSignAttempts <= 0 {
		policy.MaxSignAttempts = 1
	}
	if policy.MaxSubmitAttempts <= 0 {
		policy.MaxSubmitAttempts = 1
	}

	return &Driver{
		policy:      policy,
		broadcaster: broadcaster,
		probe:       probe,
		state:       StateNotSent,
	}
}

func (d *Driver) State() State        { return d.state }
func (d *Driver) SignAttempts() int   { return d.signAttempts }
func (d *Driver) SubmitAttempts() int { return d.submitAttempts }

// EverSubmitted reports whether any submission reached the pool. When true,
// an exhausted or abandoned transaction may still be mined and its nonce
// must not be treated as free without reconciliation.
func (d *Driver) EverSubmitted() bool { return d.everSubmitted }

// Run drives the transaction to a terminal state. It returns a terminal
// outcome (Confirmed or Failed) with a nil error, or an error classifying
// why no terminal chain outcome was reached.
func (d *Driver) Run(ctx context.Context, from common.Address, nonce uint64, sign SignFunc) (*broadcast.Outcome, error) {
	signed, err := d.signWithRetry(ctx, from, nonce, sign)
	if err != nil {
		return nil, err
	}
	if signed == nil {
		// The nonce was consumed on chain while the signer was unreachable.
		// Some transaction with it is mined; this logical request was not
		// submitted and must not be re-signed.
		d.state = StateFailed
		return &broadcast.Outcome{
			Status: broadcast.StatusFailed,
			Nonce:  nonce,
			Reason: "nonce consumed on chain before signing completed",
		}, nil
	}

	return d.submitWithRetry(ctx, from, nonce, signed)
}

// signWithRetry retries transient signer failures up to the bound. It
// returns (nil, nil) when the reserved nonce was observed consumed on chain,
// which forbids re-signing.
func (d *Driver) signWithRetry(ctx context.Context, from common.Address, nonce uint64, sign SignFunc) (*custody.SignedTransaction, error) {
	for {
		d.signAttempts++
		signed, err := sign(ctx)
		if err == nil {
			return signed, nil
		}

		if !errors.Is(err, custody.ErrSignerUnavailable) {
			// rejected or otherwise terminal
			d.state = StateFailed
			return nil, err
		}

		// The signer may have signed and the response been lost. Check
		// whether anything with this nonce already reached the chain before
		// requesting another signature.
		used, probeErr := d.probe.NonceUsed(ctx, from, nonce)
		if probeErr != nil {
			log.Warn().
				Err(probeErr).
				Uint64("nonce", nonce).
				Msg("Failed to reconcile nonce after transient signer failure")
		} else if used {
			return nil, nil
		}

		if d.signAttempts >= d.policy.MaxSignAttempts {
			d.state = StateExhausted
			return nil, errors.Wrapf(ErrExhausted, "signer unavailable after %d attempts for nonce %d: %v", d.signAttempts, nonce, err)
		}

		log.Warn().
			Err(err).
			Int("attempt", d.signAttempts).
			Uint64("nonce", nonce).
			Msg("Transient signer failure, backing off before re-signing")

		if err := d.sleep(ctx, d.policy.Backoff(d.signAttempts)); err != nil {
			return nil, err
		}
	}
}

func (d *Driver) submitWithRetry(ctx context.Context, from common.Address, nonce uint64, signed *custody.SignedTransaction) (*broadcast.Outcome, error) {
	for {
		d.submitAttempts++
		handle, err := d.broadcaster.Submit(ctx, signed)
		if err != nil {
			if errors.Is(err, broadcast.ErrChainRejected) {
				d.state = StateFailed
				return nil, err
			}
			// transport failure; the payload is replayed unchanged
			if d.submitAttempts >= d.policy.MaxSubmitAttempts {
				d.state = StateExhausted
				return nil, errors.Wrapf(ErrExhausted, "broadcast failed after %d attempts for %s: %v", d.submitAttempts, signed.Hash.Hex(), err)
			}
			if err := d.sleep(ctx, d.policy.Backoff(d.submitAttempts)); err != nil {
				return nil, err
			}
			continue
		}

		d.state = StateSent
		d.everSubmitted = true

		outcome, err := d.broadcaster.Await(ctx, handle)
		if err != nil {
			return nil, err
		}

		switch outcome.Status {
		case broadcast.StatusConfirmed:
			d.state = StateConfirmed
			return outcome, nil
		case broadcast.StatusFailed:
			d.state = StateFailed
			return outcome, nil
		case broadcast.StatusDropped:
			d.state = StateAwaitingConfirmation
		default:
			return nil, errors.Errorf("unexpected broadcast status %q", outcome.Status)
		}

		// Dropped is ambiguous: reconcile against chain state before
		// replaying the payload.
		if rec, recErr := d.probe.ReceiptFor(ctx, signed.Hash); recErr == nil && rec != nil {
			rec.Nonce = nonce
			if rec.Status == broadcast.StatusConfirmed {
				d.state = StateConfirmed
			} else {
				d.state = StateFailed
			}
			return rec, nil
		}

		used, probeErr := d.probe.NonceUsed(ctx, from, nonce)
		if probeErr == nil && used {
			// The nonce is consumed but not by our hash: a conflicting
			// transaction won. Terminal for this logical request.
			d.state = StateFailed
			return &broadcast.Outcome{
				Status: broadcast.StatusFailed,
				Hash:   signed.Hash,
				Nonce:  nonce,
				Reason: "nonce consumed by a conflicting transaction",
			}, nil
		}

		if d.submitAttempts >= d.policy.MaxSubmitAttempts {
			d.state = StateExhausted
			return nil, errors.Wrapf(ErrExhausted, "transaction %s dropped after %d submissions", signed.Hash.Hex(), d.submitAttempts)
		}

		log.Warn().
			Str("tx_hash", signed.Hash.Hex()).
			Int("attempt", d.submitAttempts).
			Msg("Transaction dropped and unobserved on chain, replaying identical payload")

		if err := d.sleep(ctx, d.policy.Backoff(d.submitAttempts)); err != nil {
			return nil, err
		}
	}
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "backoff interrupted")
	case <-timer.C:
		return nil
	}
}
