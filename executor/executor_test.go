package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/protocol/ap2"
)

const testSignerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func testTokens() map[string]map[string]string {
	return map[string]map[string]string{
		"base": {"USDC": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
	}
}

func testExecutor(t *testing.T, broadcaster Broadcaster) *Executor {
	t.Helper()
	signer, err := NewLocalSigner(testSignerKey, false, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	exec, err := New(signer, broadcaster, testTokens(), nil,
		WithTimeouts(time.Second, time.Second))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	return exec
}

func execPayment(amountMinor int64) *ap2.Mandate {
	return &ap2.Mandate{
		MandateID: "pay-1",
		Type:      ap2.TypePayment,
		Subject:   "agent-1",
		Payment: &ap2.PaymentPayload{
			AmountMinor: amountMinor,
			Token:       "USDC",
			Chain:       "base",
			Destination: "0x000000000000000000000000000000000000dEaD",
			AuditHash:   "anchor-1",
		},
	}
}

func TestRequiredConfirmations(t *testing.T) {
	cases := map[string]int{
		"ethereum":     12,
		"Ethereum":     12,
		"sepolia":      12,
		"polygon":      10,
		"amoy":         10,
		"base":         3,
		"base_sepolia": 3,
		"arbitrum":     3,
		"optimism":     3,
		"unknownchain": 12,
	}
	for chain, want := range cases {
		if got := RequiredConfirmations(chain); got != want {
			t.Fatalf("RequiredConfirmations(%s) = %d, want %d", chain, got, want)
		}
	}
}

func TestNonceAllocatorMonotonic(t *testing.T) {
	alloc := NewNonceAllocator()
	alloc.Seed("base", "0xSENDER", 7)

	l1, err := alloc.Reserve("base", "0xSENDER")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	l2, _ := alloc.Reserve("base", "0xSENDER")
	if l1.Nonce != 7 || l2.Nonce != 8 {
		t.Fatalf("nonces %d,%d want 7,8", l1.Nonce, l2.Nonce)
	}

	// Different sender has an independent sequence.
	other, _ := alloc.Reserve("base", "0xOTHER")
	if other.Nonce != 0 {
		t.Fatalf("other sender nonce %d, want 0", other.Nonce)
	}
}

func TestNonceReleaseReusesFrontier(t *testing.T) {
	alloc := NewNonceAllocator()
	lease, _ := alloc.Reserve("base", "0xSENDER")
	if lease.Nonce != 0 {
		t.Fatalf("nonce %d, want 0", lease.Nonce)
	}
	lease.Release()
	again, _ := alloc.Reserve("base", "0xSENDER")
	if again.Nonce != 0 {
		t.Fatalf("released nonce not reused: got %d", again.Nonce)
	}
}

func TestNonceReleasedMidSequenceIsReused(t *testing.T) {
	alloc := NewNonceAllocator()
	l0, _ := alloc.Reserve("base", "0xSENDER")
	l1, _ := alloc.Reserve("base", "0xSENDER")
	if l0.Nonce != 0 || l1.Nonce != 1 {
		t.Fatalf("nonces %d,%d want 0,1", l0.Nonce, l1.Nonce)
	}

	// Nonce 0 fails to broadcast while 1 is still in flight; 0 must not be
	// lost behind the frontier.
	l0.Release()
	l1.Broadcasted()
	again, _ := alloc.Reserve("base", "0xSENDER")
	if again.Nonce != 0 {
		t.Fatalf("released nonce 0 not reused: got %d", again.Nonce)
	}
	again.Broadcasted()
	next, _ := alloc.Reserve("base", "0xSENDER")
	if next.Nonce != 2 {
		t.Fatalf("sequence resumed at %d, want 2", next.Nonce)
	}
}

func TestNonceAwaitTurnOrdersBroadcasts(t *testing.T) {
	alloc := NewNonceAllocator()
	l0, _ := alloc.Reserve("base", "0xSENDER")
	l1, _ := alloc.Reserve("base", "0xSENDER")

	turn := make(chan error, 1)
	go func() { turn <- l1.AwaitTurn(context.Background()) }()

	select {
	case err := <-turn:
		t.Fatalf("nonce 1 got its turn before nonce 0 broadcast: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l0.Broadcasted()
	select {
	case err := <-turn:
		if err != nil {
			t.Fatalf("await turn: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("nonce 1 never got its turn after nonce 0 broadcast")
	}

	// The earliest reserved nonce proceeds immediately.
	if err := l1.AwaitTurn(context.Background()); err != nil {
		t.Fatalf("await turn for frontier nonce: %v", err)
	}
}

func TestNonceAwaitTurnHonoursCancellation(t *testing.T) {
	alloc := NewNonceAllocator()
	if _, err := alloc.Reserve("base", "0xSENDER"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	l1, _ := alloc.Reserve("base", "0xSENDER")

	ctx, cancel := context.WithCancel(context.Background())
	turn := make(chan error, 1)
	go func() { turn <- l1.AwaitTurn(ctx) }()
	cancel()
	select {
	case err := <-turn:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("await turn ignored cancellation")
	}
}

func TestNonceBroadcastedIsNeverReleased(t *testing.T) {
	alloc := NewNonceAllocator()
	lease, _ := alloc.Reserve("base", "0xSENDER")
	lease.Broadcasted()
	lease.Release() // no-op after broadcast
	next, _ := alloc.Reserve("base", "0xSENDER")
	if next.Nonce != 1 {
		t.Fatalf("broadcast nonce reused: got %d", next.Nonce)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	sim := NewSimulated()
	exec := testExecutor(t, sim)

	receipt, err := exec.Execute(context.Background(), execPayment(5_000_000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.TxHash == "" || receipt.Chain != "base" {
		t.Fatalf("receipt %+v", receipt)
	}
	if receipt.AuditAnchor != "anchor-1" {
		t.Fatalf("anchor %q", receipt.AuditAnchor)
	}
	if got := len(sim.Broadcasts()); got != 1 {
		t.Fatalf("broadcasts %d, want 1", got)
	}
}

func TestExecuteBroadcastFailureReleasesNonce(t *testing.T) {
	sim := NewSimulated()
	exec := testExecutor(t, sim)
	sim.FailBroadcast(errors.New("mempool full"))

	_, err := exec.Execute(context.Background(), execPayment(5_000_000))
	var failure *Failure
	if !errors.As(err, &failure) || failure.Code != FailBroadcast {
		t.Fatalf("got %v", err)
	}
	if failure.Broadcast {
		t.Fatal("broadcast flagged despite failure")
	}
	if !failure.Retryable() {
		t.Fatal("broadcast_failed must be retryable")
	}

	// The freed nonce is reused on the retry.
	sim.FailBroadcast(nil)
	receipt, err := exec.Execute(context.Background(), execPayment(5_000_000))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if receipt.TxHash == "" {
		t.Fatal("no tx hash after retry")
	}
}

func TestExecuteProviderUnavailable(t *testing.T) {
	sim := NewSimulated()
	exec := testExecutor(t, sim)
	sim.FailBroadcast(ErrProviderUnavailable)

	_, err := exec.Execute(context.Background(), execPayment(5_000_000))
	var failure *Failure
	if !errors.As(err, &failure) || failure.Code != FailProviderUnavailable {
		t.Fatalf("got %v", err)
	}
	if !failure.Retryable() {
		t.Fatal("provider_unavailable must be retryable")
	}
}

func TestExecuteRevertIsTerminal(t *testing.T) {
	sim := NewSimulated()
	exec := testExecutor(t, sim)
	sim.FailConfirmation(ErrReverted)

	_, err := exec.Execute(context.Background(), execPayment(5_000_000))
	var failure *Failure
	if !errors.As(err, &failure) || failure.Code != FailRevert {
		t.Fatalf("got %v", err)
	}
	if !failure.Broadcast || failure.TxHash == "" {
		t.Fatalf("revert must carry the broadcast hash: %+v", failure)
	}
	if failure.Retryable() {
		t.Fatal("revert must not be retryable")
	}
}

func TestExecuteConfirmationTimeoutKeepsNonce(t *testing.T) {
	sim := NewSimulated()
	exec := testExecutor(t, sim)
	sim.FailConfirmation(context.DeadlineExceeded)

	_, err := exec.Execute(context.Background(), execPayment(5_000_000))
	var failure *Failure
	if !errors.As(err, &failure) || failure.Code != FailConfirmationTimeout {
		t.Fatalf("got %v", err)
	}
	if !failure.Broadcast {
		t.Fatal("timeout after broadcast must report Broadcast")
	}

	// The nonce was consumed; the next execution uses the following one.
	sim.FailConfirmation(nil)
	if _, err := exec.Execute(context.Background(), execPayment(5_000_000)); err != nil {
		t.Fatalf("follow-up execute: %v", err)
	}
	if got := len(sim.Broadcasts()); got != 2 {
		t.Fatalf("broadcasts %d, want 2", got)
	}
}

func TestExecuteRejectsUnknownChainAndToken(t *testing.T) {
	exec := testExecutor(t, NewSimulated())

	p := execPayment(1)
	p.Payment.Chain = "solana"
	if _, err := exec.Execute(context.Background(), p); err == nil {
		t.Fatal("unknown chain accepted")
	}

	p = execPayment(1)
	p.Payment.Token = "USDT"
	if _, err := exec.Execute(context.Background(), p); err == nil {
		t.Fatal("unconfigured token accepted")
	}
}

func TestBuildTransferCalldata(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	data := buildTransferCalldata(to, big.NewInt(5_000_000))
	if len(data) != 4+32+32 {
		t.Fatalf("calldata length %d", len(data))
	}
	want := []byte{0xa9, 0x05, 0x9c, 0xbb}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("selector %x", data[:4])
		}
	}
}

// The simulated fee cap is 30 gwei, so one ERC-20 transfer reserves
// 30e9 * 90_000 = 2.7e15 wei against the sponsor budget.
const simulatedOpCostWei = "2700000000000000"

func sponsoredExecutor(t *testing.T, broadcaster Broadcaster, dailyCapWei string) *Executor {
	t.Helper()
	guard, err := ParseSponsorCaps(`{"schema_version":1,"per_op_cap_wei":"` +
		simulatedOpCostWei + `","daily_cap_wei":"` + dailyCapWei + `"}`)
	if err != nil {
		t.Fatalf("parse caps: %v", err)
	}
	signer, err := NewLocalSigner(testSignerKey, false, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	exec, err := New(signer, broadcaster, testTokens(), nil,
		WithTimeouts(time.Second, time.Second), WithSponsorCaps(guard))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	return exec
}

func TestExecuteSponsorDailyCapBlocksBroadcast(t *testing.T) {
	sim := NewSimulated()
	exec := sponsoredExecutor(t, sim, simulatedOpCostWei)

	if _, err := exec.Execute(context.Background(), execPayment(5_000_000)); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	// The day's budget is spent; the second operation is stopped before it
	// reaches the mempool.
	_, err := exec.Execute(context.Background(), execPayment(5_000_000))
	if !errors.Is(err, ErrSponsorCapExceeded) {
		t.Fatalf("got %v, want ErrSponsorCapExceeded", err)
	}
	if got := len(sim.Broadcasts()); got != 1 {
		t.Fatalf("broadcasts %d, want 1", got)
	}
}

func TestExecuteSponsorReservationRefundedOnBroadcastFailure(t *testing.T) {
	sim := NewSimulated()
	exec := sponsoredExecutor(t, sim, simulatedOpCostWei)
	sim.FailBroadcast(errors.New("mempool full"))

	if _, err := exec.Execute(context.Background(), execPayment(5_000_000)); err == nil {
		t.Fatal("failed broadcast reported success")
	}

	// The failed operation's reservation went back to the daily budget.
	sim.FailBroadcast(nil)
	if _, err := exec.Execute(context.Background(), execPayment(5_000_000)); err != nil {
		t.Fatalf("retry after refund: %v", err)
	}
	if got := len(sim.Broadcasts()); got != 1 {
		t.Fatalf("broadcasts %d, want 1", got)
	}
}

func TestSponsorCapGuard(t *testing.T) {
	guard, err := ParseSponsorCaps(`{"schema_version":1,"per_op_cap_wei":"1000","daily_cap_wei":"1500"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := guard.Reserve("base", big.NewInt(1000)); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := guard.Reserve("base", big.NewInt(1001)); !errors.Is(err, ErrSponsorCapExceeded) {
		t.Fatalf("per-op cap not enforced: %v", err)
	}
	if err := guard.Reserve("base", big.NewInt(600)); !errors.Is(err, ErrSponsorCapExceeded) {
		t.Fatalf("daily cap not enforced: %v", err)
	}
	guard.Release("base", big.NewInt(1000))
	if err := guard.Reserve("base", big.NewInt(600)); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestSponsorCapsRejectUnknownSchema(t *testing.T) {
	if _, err := ParseSponsorCaps(`{"schema_version":2,"per_op_cap_wei":"1","daily_cap_wei":"1"}`); err == nil {
		t.Fatal("unknown schema accepted")
	}
}
