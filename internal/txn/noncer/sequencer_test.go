package noncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-global/terroir/internal/txn/noncer"
)

type fakeChainReader struct {
	counts map[common.Address]uint64
	err    error
	calls  int
}

func (f *fakeChainReader) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[account], nil
}

var (
	accountA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	accountB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestReserveSeedsFromChain(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{accountA: 6}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Nonce)
	res.Confirm()

	last, ok := seq.LastConfirmed(accountA)
	require.True(t, ok)
	assert.Equal(t, uint64(6), last)

	res, err = seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Nonce)
	res.Confirm()

	// seeded once, not per reservation
	assert.Equal(t, 1, chain.calls)
}

func TestReserveFreshAccountStartsAtZero(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Nonce)
	res.Confirm()

	res, err = seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Nonce)
	res.Confirm()
}

func TestReserveSeedFailure(t *testing.T) {
	chain := &fakeChainReader{err: errors.New("rpc down")}
	seq := noncer.NewSequencer(chain)

	_, err := seq.Reserve(context.Background(), accountA)
	require.Error(t, err)

	// a failed seed must not leave the account locked
	chain.err = nil
	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Nonce)
	res.Release()
}

func TestReleaseRollsBackNewestNonce(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{accountA: 6}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Nonce)
	res.Release()

	res, err = seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Nonce, "released nonce must be reissued")
	res.Confirm()

	assert.Empty(t, seq.Gaps(accountA))
}

func TestReleaseNonceZeroRollsBack(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Nonce)
	res.Release()

	res, err = seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Nonce)
	res.Confirm()
}

func TestFlagRecordsGapAndKeepsAssignment(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{accountA: 6}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Nonce)
	res.Flag()

	assert.Equal(t, []uint64{6}, seq.Gaps(accountA))

	// flagged nonces are never reissued blindly
	res, err = seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Nonce)
	res.Confirm()
}

func TestSettleIsIdempotent(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{}}
	seq := noncer.NewSequencer(chain)

	res, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	res.Confirm()
	res.Confirm()
	res.Release()

	last, ok := seq.LastConfirmed(accountA)
	require.True(t, ok)
	assert.Equal(t, uint64(0), last)
	assert.Empty(t, seq.Gaps(accountA))
}

func TestSameAccountReservationsAreSerialized(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{accountA: 3}}
	seq := noncer.NewSequencer(chain)

	first, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first.Nonce)

	second := make(chan *noncer.Reservation, 1)
	go func() {
		res, resErr := seq.Reserve(context.Background(), accountA)
		require.NoError(t, resErr)
		second <- res
	}()

	select {
	case <-second:
		t.Fatal("second reservation must block until the first settles")
	case <-time.After(50 * time.Millisecond):
	}

	first.Confirm()

	select {
	case res := <-second:
		assert.Equal(t, uint64(4), res.Nonce)
		res.Confirm()
	case <-time.After(time.Second):
		t.Fatal("second reservation did not proceed after settlement")
	}
}

func TestIndependentAccountsDoNotContend(t *testing.T) {
	chain := &fakeChainReader{counts: map[common.Address]uint64{accountA: 5, accountB: 9}}
	seq := noncer.NewSequencer(chain)

	resA, err := seq.Reserve(context.Background(), accountA)
	require.NoError(t, err)

	done := make(chan *noncer.Reservation, 1)
	go func() {
		resB, resErr := seq.Reserve(context.Background(), accountB)
		require.NoError(t, resErr)
		done <- resB
	}()

	select {
	case resB := <-done:
		assert.Equal(t, uint64(9), resB.Nonce)
		resB.Confirm()
	case <-time.After(time.Second):
		t.Fatal("reservation on an unrelated account blocked")
	}

	resA.Release()
}
