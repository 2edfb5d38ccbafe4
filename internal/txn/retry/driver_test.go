package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-global/terroir/internal/custody"
	"github.com/basin-global/terroir/internal/txn/broadcast"
	"github.com/basin-global/terroir/internal/txn/retry"
)

var (
	testFrom = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testHash = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxSignAttempts:   3,
		MaxSubmitAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
	}
}

type fakeBroadcaster struct {
	t          *testing.T
	submitErrs []error
	outcomes   []*broadcast.Outcome
	submitted  []*custody.SignedTransaction
	awaits     int
}

func newBroadcaster(t *testing.T, submitErrs []error, outcomes ...*broadcast.Outcome) *fakeBroadcaster {
	return &fakeBroadcaster{t: t, submitErrs: submitErrs, outcomes: outcomes}
}

func (f *fakeBroadcaster) Submit(_ context.Context, signed *custody.SignedTransaction) (*broadcast.Handle, error) {
	call := len(f.submitted)
	f.submitted = append(f.submitted, signed)
	if call < len(f.submitErrs) && f.submitErrs[call] != nil {
		return nil, f.submitErrs[call]
	}
	return &broadcast.Handle{
		ID:    "test",
		Hash:  signed.Hash,
		From:  signed.From,
		Nonce: signed.Nonce,
		Raw:   signed.Raw,
	}, nil
}

func (f *fakeBroadcaster) Await(_ context.Context, h *broadcast.Handle) (*broadcast.Outcome, error) {
	require.Less(f.t, f.awaits, len(f.outcomes), "unexpected Await call")
	outcome := f.outcomes[f.awaits]
	f.awaits++
	outcome.Nonce = h.Nonce
	return outcome, nil
}

type fakeProbe struct {
	receipt    *broadcast.Outcome
	receiptErr error
	used       bool
	usedErr    error
	usedCalls  int
}

func (f *fakeProbe) ReceiptFor(_ context.Context, _ common.Hash) (*broadcast.Outcome, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeProbe) NonceUsed(_ context.Context, _ common.Address, _ uint64) (bool, error) {
	f.usedCalls++
	return f.used, f.usedErr
}

func signedFixture(nonce uint64) *custody.SignedTransaction {
	return &custody.SignedTransaction{
		Raw:   []byte{0x02, 0x01, 0x02},
		Hash:  testHash,
		From:  testFrom,
		Nonce: nonce,
	}
}

func signerOf(t *testing.T, results ...interface{}) (retry.SignFunc, *int) {
	calls := new(int)
	return func(_ context.Context) (*custody.SignedTransaction, error) {
		i := *calls
		*calls++
		require.Less(t, i, len(results), "unexpected sign call")
		switch v := results[i].(type) {
		case *custody.SignedTransaction:
			return v, nil
		case error:
			return nil, v
		default:
			return nil, errors.New("bad fixture")
		}
	}, calls
}

func TestRunHappyPath(t *testing.T) {
	b := newBroadcaster(t, nil, &broadcast.Outcome{Status: broadcast.StatusConfirmed, Hash: testHash})
	probe := &fakeProbe{}
	d := retry.NewDriver(fastPolicy(), b, probe)

	sign, calls := signerOf(t, signedFixture(6))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusConfirmed, outcome.Status)
	assert.Equal(t, uint64(6), outcome.Nonce)
	assert.Equal(t, retry.StateConfirmed, d.State())
	assert.True(t, d.EverSubmitted())
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, d.SubmitAttempts())
}

func TestRunRetriesTransientSignFailureWithSameNonce(t *testing.T) {
	b := newBroadcaster(t, nil, &broadcast.Outcome{Status: broadcast.StatusConfirmed, Hash: testHash})
	probe := &fakeProbe{}
	d := retry.NewDriver(fastPolicy(), b, probe)

	sign, calls := signerOf(t,
		errors.Wrap(custody.ErrSignerUnavailable, "timeout"),
		signedFixture(6),
	)
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusConfirmed, outcome.Status)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 2, d.SignAttempts())
	// every transient failure reconciles the nonce before re-signing
	assert.Equal(t, 1, probe.usedCalls)
}

func TestRunSignerRejectionIsTerminal(t *testing.T) {
	b := newBroadcaster(t, nil)
	d := retry.NewDriver(fastPolicy(), b, &fakeProbe{})

	sign, _ := signerOf(t, errors.Wrap(custody.ErrSignerRejected, "policy denied"))
	_, err := d.Run(context.Background(), testFrom, 6, sign)
	require.Error(t, err)
	assert.True(t, errors.Is(err, custody.ErrSignerRejected))
	assert.Equal(t, retry.StateFailed, d.State())
	assert.False(t, d.EverSubmitted())
	assert.Empty(t, b.submitted)
}

func TestRunSignExhaustion(t *testing.T) {
	b := newBroadcaster(t, nil)
	policy := fastPolicy()
	policy.MaxSignAttempts = 2
	d := retry.NewDriver(policy, b, &fakeProbe{})

	sign, calls := signerOf(t,
		errors.Wrap(custody.ErrSignerUnavailable, "timeout"),
		errors.Wrap(custody.ErrSignerUnavailable, "timeout"),
	)
	_, err := d.Run(context.Background(), testFrom, 6, sign)
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrExhausted))
	assert.Equal(t, retry.StateExhausted, d.State())
	assert.False(t, d.EverSubmitted())
	assert.Equal(t, 2, *calls)
}

func TestRunNonceConsumedDuringSignOutage(t *testing.T) {
	b := newBroadcaster(t, nil)
	probe := &fakeProbe{used: true}
	d := retry.NewDriver(fastPolicy(), b, probe)

	sign, _ := signerOf(t, errors.Wrap(custody.ErrSignerUnavailable, "timeout"))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, broadcast.StatusFailed, outcome.Status)
	assert.Equal(t, uint64(6), outcome.Nonce)
	assert.Contains(t, outcome.Reason, "nonce consumed")
	assert.Equal(t, retry.StateFailed, d.State())
	assert.Empty(t, b.submitted, "a consumed nonce must never be re-signed or submitted")
}

func TestRunChainRejectionIsTerminal(t *testing.T) {
	b := newBroadcaster(t, []error{errors.Wrap(broadcast.ErrChainRejected, "nonce too low")})
	d := retry.NewDriver(fastPolicy(), b, &fakeProbe{})

	sign, _ := signerOf(t, signedFixture(6))
	_, err := d.Run(context.Background(), testFrom, 6, sign)
	require.Error(t, err)
	assert.True(t, errors.Is(err, broadcast.ErrChainRejected))
	assert.Equal(t, retry.StateFailed, d.State())
	assert.False(t, d.EverSubmitted())
}

func TestRunRetriesTransientSubmitFailure(t *testing.T) {
	b := newBroadcaster(t,
		[]error{errors.New("connection refused"), nil},
		&broadcast.Outcome{Status: broadcast.StatusConfirmed, Hash: testHash},
	)
	d := retry.NewDriver(fastPolicy(), b, &fakeProbe{})

	sign, calls := signerOf(t, signedFixture(6))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusConfirmed, outcome.Status)
	assert.Equal(t, 2, d.SubmitAttempts())
	assert.Equal(t, 1, *calls, "transport failures replay the payload, never re-sign")
}

func TestRunDroppedReconciledThroughReceipt(t *testing.T) {
	b := newBroadcaster(t, nil, &broadcast.Outcome{Status: broadcast.StatusDropped, Hash: testHash})
	probe := &fakeProbe{receipt: &broadcast.Outcome{Status: broadcast.StatusConfirmed, Hash: testHash}}
	d := retry.NewDriver(fastPolicy(), b, probe)

	sign, _ := signerOf(t, signedFixture(6))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusConfirmed, outcome.Status)
	assert.Equal(t, uint64(6), outcome.Nonce)
	assert.Equal(t, retry.StateConfirmed, d.State())
	assert.Len(t, b.submitted, 1, "a mined transaction must not be resubmitted")
}

func TestRunDroppedReplaysIdenticalPayload(t *testing.T) {
	b := newBroadcaster(t, nil,
		&broadcast.Outcome{Status: broadcast.StatusDropped, Hash: testHash},
		&broadcast.Outcome{Status: broadcast.StatusConfirmed, Hash: testHash},
	)
	d := retry.NewDriver(fastPolicy(), b, &fakeProbe{})

	sign, calls := signerOf(t, signedFixture(6))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusConfirmed, outcome.Status)
	assert.Equal(t, 1, *calls)
	require.Len(t, b.submitted, 2)
	assert.Equal(t, b.submitted[0].Raw, b.submitted[1].Raw, "replay must carry identical bytes")
	assert.Equal(t, b.submitted[0].Hash, b.submitted[1].Hash)
}

func TestRunDroppedNonceTakenByConflictingTransaction(t *testing.T) {
	b := newBroadcaster(t, nil, &broadcast.Outcome{Status: broadcast.StatusDropped, Hash: testHash})
	probe := &fakeProbe{used: true}
	d := retry.NewDriver(fastPolicy(), b, probe)

	sign, _ := signerOf(t, signedFixture(6))
	outcome, err := d.Run(context.Background(), testFrom, 6, sign)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "conflicting transaction")
	assert.Equal(t, retry.StateFailed, d.State())
	assert.Len(t, b.submitted, 1)
}

func TestRunSubmitExhaustion(t *testing.T) {
	b := newBroadcaster(t, nil,
		&broadcast.Outcome{Status: broadcast.StatusDropped, Hash: testHash},
		&broadcast.Outcome{Status: broadcast.StatusDropped, Hash: testHash},
	)
	policy := fastPolicy()
	policy.MaxSubmitAttempts = 2
	d := retry.NewDriver(policy, b, &fakeProbe{})

	sign, _ := signerOf(t, signedFixture(6))
	_, err := d.Run(context.Background(), testFrom, 6, sign)
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrExhausted))
	assert.Equal(t, retry.StateExhausted, d.State())
	assert.True(t, d.EverSubmitted())
}

func TestPolicyBackoff(t *testing.T) {
	p := retry.Policy{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(10))
}
