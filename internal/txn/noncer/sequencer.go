// Package noncer issues per-account transaction nonces. Issuance for one
// account is serialized: a reservation holds the account lock until it is
// settled with Confirm, Release or Flag, so nonces are assigned strictly
// increasing and transactions reach the chain in nonce order. Accounts never
// contend with each other.
package noncer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ChainReader seeds the nonce state of an account that has no prior local
// state.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Sequencer tracks the next usable nonce per account.
type Sequencer struct {
	chain ChainReader

	mu       sync.Mutex // guards the accounts map only
	accounts map[common.Address]*accountState
}

type accountState struct {
	mu sync.Mutex // held for the lifetime of a reservation

	seeded        bool
	hasAssigned   bool
	lastAssigned  uint64
	hasConfirmed  bool
	lastConfirmed uint64

	// nonces released without rollback or abandoned mid-flight; they must be
	// reconciled against chain state before reuse
	gaps []uint64
}

func NewSequencer(chain ChainReader) *Sequencer {
	return &Sequencer{
		chain:    chain,
		accounts: make(map[common.Address]*accountState),
	}
}

// Reservation is an issued nonce awaiting settlement. Exactly one of
// Confirm, Release or Flag must be called on every reservation; until then
// the owning account accepts no further reservations.
type Reservation struct {
	Account common.Address
	Nonce   uint64

	st      *accountState
	settled bool
}

// Reserve issues the next nonce for the account. The first reservation for
// an account seeds its state from the chain's pending transaction count.
func (s *Sequencer) Reserve(ctx context.Context, account common.Address) (*Reservation, error) {
	st := s.state(account)
	st.mu.Lock()

	if !st.seeded {
		count, err := s.chain.PendingNonceAt(ctx, account)
		if err != nil {
			st.mu.Unlock()
			return nil, errors.Wrapf(err, "failed to seed nonce state for %s", account.Hex())
		}
		if count > 0 {
			st.lastAssigned = count - 1
			st.hasAssigned = true
		}
		st.seeded = true

		log.Debug().
			Str("account", account.Hex()).
			Uint64("pending_count", count).
			Msg("Seeded nonce state from chain")
	}

	var next uint64
	if st.hasAssigned {
		next = st.lastAssigned + 1
	}
	st.lastAssigned = next
	st.hasAssigned = true

	return &Reservation{
		Account: account,
		Nonce:   next,
		st:      st,
	}, nil
}

// Confirm records the nonce as consumed on chain and settles the
// reservation.
func (r *Reservation) Confirm() {
	if r.settled {
		return
	}
	r.settled = true
	defer r.st.mu.Unlock()

	if !r.st.hasConfirmed || r.Nonce > r.st.lastConfirmed {
		r.st.lastConfirmed = r.Nonce
		r.st.hasConfirmed = true
	}
}

// Release settles a reservation whose nonce definitely never reached the
// chain. The assignment is rolled back if the nonce is still the newest one
// issued; otherwise a gap is recorded for later reconciliation.
func (r *Reservation) Release() {
	if r.settled {
		return
	}
	r.settled = true
	defer r.st.mu.Unlock()

	if r.st.hasAssigned && r.st.lastAssigned == r.Nonce {
		if r.Nonce == 0 {
			r.st.hasAssigned = false
		} else {
			r.st.lastAssigned = r.Nonce - 1
		}
		return
	}

	r.st.gaps = append(r.st.gaps, r.Nonce)
	log.Warn().
		Str("account", r.Account.Hex()).
		Uint64("nonce", r.Nonce).
		Msg("Released nonce below newest assignment, recorded gap")
}

// Flag settles a reservation whose outcome is unknown (the transaction may
// still be mined). The assignment is kept and the nonce is recorded as a gap
// so reconciliation checks chain state before treating it as free.
func (r *Reservation) Flag() {
	if r.settled {
		return
	}
	r.settled = true
	defer r.st.mu.Unlock()

	r.st.gaps = append(r.st.gaps, r.Nonce)
	log.Warn().
		Str("account", r.Account.Hex()).
		Uint64("nonce", r.Nonce).
		Msg("Flagged nonce with unknown outcome for reconciliation")
}

// LastConfirmed returns the highest nonce confirmed for the account, if any.
func (s *Sequencer) LastConfirmed(account common.Address) (uint64, bool) {
	st := s.state(account)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastConfirmed, st.hasConfirmed
}

// Gaps returns the nonces of the account that were released or abandoned out
// of order and await reconciliation against chain state.
func (s *Sequencer) Gaps(account common.Address) []uint64 {
	st := s.state(account)
	st.mu.Lock()
	defer st.mu.Unlock()

	gaps := make([]uint64, len(st.gaps))
	copy(gaps, st.gaps)
	return gaps
}

func (s *Sequencer) state(account common.Address) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[account]
	if !ok {
		st = &accountState{}
		s.accounts[account] = st
	}
	return st
}
