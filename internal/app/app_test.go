package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/ggonzalez94/nameflow/internal/bridge"
	"github.com/ggonzalez94/nameflow/internal/cache"
	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/funding"
	"github.com/ggonzalez94/nameflow/internal/httpx"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/registrar"
)

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

const pricePerYear = "10000000000000000" // 0.01 ether

func eth(milli int64) *big.Int {
	out := big.NewInt(milli)
	return out.Mul(out, big.NewInt(1_000_000_000_000_000))
}

type fakeOracle struct {
	infos map[string]names.Info
}

func (o *fakeOracle) Lookup(_ context.Context, name string) (names.Info, error) {
	info, ok := o.infos[name]
	if !ok {
		return names.Info{Name: name, Available: true, PriceWeiPerYear: pricePerYear}, nil
	}
	return info, nil
}

type fakeReader struct {
	mu       sync.Mutex
	balances map[int64]map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		balances: map[int64]map[common.Address]*big.Int{},
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (r *fakeReader) setBalance(c chain.Chain, addr common.Address, wei *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[c.ID] == nil {
		r.balances[c.ID] = map[common.Address]*big.Int{}
	}
	r.balances[c.ID][addr] = new(big.Int).Set(wei)
}

func (r *fakeReader) NativeBalance(_ context.Context, c chain.Chain, addr common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[c.ID][addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (r *fakeReader) TransactionReceipt(_ context.Context, _ chain.Chain, hash common.Hash) (*types.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if receipt, ok := r.receipts[hash]; ok {
		return receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type fakeWallets struct{ addrs []common.Address }

func (w *fakeWallets) Wallets(context.Context, string) ([]common.Address, error) {
	return w.addrs, nil
}

type recorder struct {
	mu       sync.Mutex
	messages []string
	txs      []TxRequest
	choices  []ChoiceRequest
}

func (r *recorder) Notify(_ context.Context, _ flow.Flow, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
	return nil
}

func (r *recorder) RequestTransaction(_ context.Context, _ flow.Flow, req TxRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, req)
	return nil
}

func (r *recorder) RequestChoice(_ context.Context, _ flow.Flow, req ChoiceRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.choices = append(r.choices, req)
	return nil
}

func (r *recorder) lastTx(t *testing.T) TxRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txs) == 0 {
		t.Fatal("no transaction was requested")
	}
	return r.txs[len(r.txs)-1]
}

func (r *recorder) lastChoice(t *testing.T) ChoiceRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.choices) == 0 {
		t.Fatal("no choice was requested")
	}
	return r.choices[len(r.choices)-1]
}

func (r *recorder) sawMessage(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.messages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type bridgeServer struct {
	minDeposit string
	feeWei     string
	status     string
}

func (b *bridgeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limits":
			fmt.Fprintf(w, `{"minDeposit":%q,"maxDeposit":"100000000000000000000"}`, b.minDeposit)
		case "/suggested-fees":
			fmt.Fprintf(w, `{"totalRelayFee":{"total":%q},"estimatedFillTimeSec":10}`, b.feeWei)
		case "/deposit/build":
			fmt.Fprintf(w, `{"chainId":8453,"to":"0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64","data":"0xdeadbeef","value":%q}`, r.URL.Query().Get("amount"))
		case "/deposit/status":
			fmt.Fprintf(w, `{"status":%q,"fillTx":"0xfill"}`, b.status)
		default:
			t.Fatalf("unexpected bridge path: %s", r.URL.Path)
		}
	}
}

type harness struct {
	svc    *Service
	store  *flow.Store
	reader *fakeReader
	rec    *recorder
	oracle *fakeOracle
}

func newHarness(t *testing.T, wallets []common.Address, bs *bridgeServer) *harness {
	t.Helper()
	tmp := t.TempDir()

	store, err := flow.OpenStore(filepath.Join(tmp, "flows.db"), filepath.Join(tmp, "flows.lock"))
	if err != nil {
		t.Fatalf("open flow store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pendings, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = pendings.Close() })

	if bs == nil {
		bs = &bridgeServer{minDeposit: "1000", feeWei: "100000000000000", status: "filled"}
	}
	srv := httptest.NewServer(bs.handler(t))
	t.Cleanup(srv.Close)

	reader := newFakeReader()
	oracle := &fakeOracle{infos: map[string]names.Info{}}
	rec := &recorder{}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	svc := New(
		log,
		store,
		correlate.New(store, pendings),
		funding.NewPlanner(reader, chain.Mainnet, chain.Base),
		oracle,
		bridge.NewClient(httpx.New(time.Second, 0), srv.URL),
		reader,
		&fakeWallets{addrs: wallets},
		rec,
		rec,
		Options{
			ReceiptInterval:     time.Millisecond,
			ReceiptTimeout:      100 * time.Millisecond,
			CommitWait:          time.Millisecond,
			BridgePollInterval:  time.Millisecond,
			BridgePollTimeout:   100 * time.Millisecond,
			BalancePollInterval: time.Millisecond,
			BalancePollTimeout:  100 * time.Millisecond,
		},
	)
	return &harness{svc: svc, store: store, reader: reader, rec: rec, oracle: oracle}
}

func key() flow.Key {
	return flow.Key{UserID: "user-1", ThreadID: "thread-1"}
}

// Direct path: availability, duration prompt, commit, register, complete. No
// bridge flow is ever created.
func TestRegistrationDirectPath(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000)) // 1 ETH

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"},
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	duration := h.rec.lastChoice(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: duration.RequestID, UserID: key().UserID, Approved: true, Choice: "2",
	}); err != nil {
		t.Fatalf("duration response failed: %v", err)
	}

	commitReq := h.rec.lastTx(t)
	if commitReq.Signer != walletA || commitReq.ValueWei.Sign() != 0 {
		t.Fatalf("unexpected commit request: %+v", commitReq)
	}
	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusInitiated || f.Data.Registration.Commitment == "" {
		t.Fatalf("expected initiated flow with commitment, got %s", f.Status)
	}

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commitReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc0ffee",
	}); err != nil {
		t.Fatalf("commit response failed: %v", err)
	}

	registerReq := h.rec.lastTx(t)
	if registerReq.RequestID == commitReq.RequestID {
		t.Fatal("register request was not issued")
	}
	// value equals the 2-year cost
	if registerReq.ValueWei.String() != "20000000000000000" {
		t.Fatalf("unexpected register value: %s", registerReq.ValueWei)
	}

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: registerReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xbeef",
	}); err != nil {
		t.Fatalf("register response failed: %v", err)
	}

	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected completed flow to be cleared, got %v", err)
	}
	if !h.rec.sawMessage("registered") {
		t.Fatal("expected completion message")
	}
}

// Multi-name registration runs commit/reveal per name in order. A replayed
// response for an already-registered name is dropped: it must neither complete
// the flow nor record its hash against the name still in flight.
func TestMultiNameRegistrationIgnoresReplayedResponses(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault", "forge"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	commit1 := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commit1.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc1",
	}); err != nil {
		t.Fatalf("first commit response failed: %v", err)
	}
	register1 := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: register1.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xr1",
	}); err != nil {
		t.Fatalf("first register response failed: %v", err)
	}

	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Data.Registration.CurrentIndex != 1 || f.Status != flow.StatusInitiated {
		t.Fatalf("expected the flow on the second name, got index %d status %s",
			f.Data.Registration.CurrentIndex, f.Status)
	}
	commit2 := h.rec.lastTx(t)
	txCount := len(h.rec.txs)

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: register1.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xr1",
	}); err != nil {
		t.Fatalf("replayed response must be dropped quietly, got %v", err)
	}
	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("replayed response cleared the flow: %v", err)
	}
	if f.Data.Registration.CurrentIndex != 1 || f.Status != flow.StatusInitiated {
		t.Fatalf("replayed response advanced the flow: index %d status %s",
			f.Data.Registration.CurrentIndex, f.Status)
	}
	if len(h.rec.txs) != txCount {
		t.Fatal("replayed response must not issue another transaction request")
	}

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commit2.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc2",
	}); err != nil {
		t.Fatalf("second commit response failed: %v", err)
	}
	register2 := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: register2.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xr2",
	}); err != nil {
		t.Fatalf("second register response failed: %v", err)
	}
	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected completed flow to be cleared, got %v", err)
	}
	if !h.rec.sawMessage("vault.eth, forge.eth registered") {
		t.Fatal("expected the completion message for both names")
	}
}

// A commitment older than its validity window cannot be revealed; the flow
// restarts from a fresh commit with a new secret.
func TestExpiredCommitmentRestartsFromFreshCommit(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	commitReq := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commitReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc0ffee",
	}); err != nil {
		t.Fatalf("commit response failed: %v", err)
	}
	registerReq := h.rec.lastTx(t)

	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	oldCommitment := f.Data.Registration.Commitment

	stale := time.Now().Add(-registrar.CommitmentValidity - time.Hour).UTC().Format(time.RFC3339)
	if _, err := h.store.UpdateData(key(), func(d *flow.Data) error {
		d.Registration.CommitMinedAt = stale
		return nil
	}); err != nil {
		t.Fatalf("age commitment: %v", err)
	}

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: registerReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xbeef",
	}); err != nil {
		t.Fatalf("register response failed: %v", err)
	}

	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	reg := f.Data.Registration
	if f.Status != flow.StatusInitiated || reg.CommitTxHash != "" || reg.RegisterTxHash != "" {
		t.Fatalf("expected a restarted flow, got status %s", f.Status)
	}
	if reg.Commitment == oldCommitment {
		t.Fatal("an expired commitment must be recomputed with a fresh secret")
	}
	fresh := h.rec.lastTx(t)
	if fresh.RequestID == registerReq.RequestID || fresh.ValueWei.Sign() != 0 {
		t.Fatalf("expected a new commit request, got %+v", fresh)
	}
	if !h.rec.sawMessage("no longer valid") {
		t.Fatal("expected the expiry message")
	}
}

// The duration prompt offers 1 through 5 years; anything else is refused and
// the prompt stays answerable.
func TestDurationChoiceMatchesOfferedRange(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"},
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	duration := h.rec.lastChoice(t)
	if len(duration.Options) == 0 || duration.Options[len(duration.Options)-1] != "5" {
		t.Fatalf("unexpected duration options: %v", duration.Options)
	}

	err := h.svc.HandleResponse(ctx, Response{
		RequestID: duration.RequestID, UserID: key().UserID, Approved: true, Choice: "7",
	})
	if !nferr.HasCode(err, nferr.CodeUsage) {
		t.Fatalf("expected a usage error for 7 years, got %v", err)
	}
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: duration.RequestID, UserID: key().UserID, Approved: true, Choice: "3",
	}); err != nil {
		t.Fatalf("retry with a valid duration failed: %v", err)
	}
	commitReq := h.rec.lastTx(t)
	if commitReq.ValueWei.Sign() != 0 {
		t.Fatalf("expected a commit request, got %+v", commitReq)
	}
}

// Insufficient on the execution chain but bridgeable: the registration is
// parked inside a bridge flow and resumes at the commit step once filled,
// without re-prompting for duration or wallet.
func TestRegistrationBridgePathResumes(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, &bridgeServer{
		minDeposit: "1000", feeWei: "100000000000000", status: "pending",
	})
	ctx := context.Background()
	h.reader.setBalance(chain.Base, walletA, eth(20_000)) // 0.02 ETH on the source chain

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Kind != flow.KindBridge {
		t.Fatalf("expected a bridge flow, got %s", f.Kind)
	}
	b := f.Data.Bridge
	if b.NextAction != flow.NextContinueRegistration || b.Registration == nil {
		t.Fatal("bridge flow does not carry the blocked registration")
	}
	if !strings.EqualFold(b.Registration.SelectedWallet, walletA.Hex()) {
		t.Fatalf("unexpected parked wallet: %s", b.Registration.SelectedWallet)
	}

	depositReq := h.rec.lastTx(t)
	if depositReq.ChainID != chain.Base.ID {
		t.Fatalf("deposit must be on the source chain, got %d", depositReq.ChainID)
	}

	// The fill lands as a balance increase on the destination chain; the
	// receipt carries no recognizable deposit event.
	amount, _ := new(big.Int).SetString(b.AmountWei, 10)
	h.reader.setBalance(chain.Mainnet, walletA, amount)

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: depositReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xdeadbeef",
	}); err != nil {
		t.Fatalf("deposit response failed: %v", err)
	}

	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow after fill: %v", err)
	}
	if f.Kind != flow.KindRegistration || f.Status != flow.StatusInitiated {
		t.Fatalf("expected registration resumed at commit, got %s/%s", f.Kind, f.Status)
	}
	if f.Data.Registration.DurationYears != 1 {
		t.Fatal("duration was lost across the hand-off")
	}
	commitReq := h.rec.lastTx(t)
	if commitReq.Signer != walletA || len(h.rec.choices) != 0 {
		t.Fatal("resume must go straight to the commit request without prompting")
	}
}

// A quote below the provider minimum clears the flow before any transaction
// request is sent.
func TestRegistrationBridgeAmountTooLow(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, &bridgeServer{
		minDeposit: "10000000000000000000", feeWei: "100000000000000", status: "pending",
	})
	ctx := context.Background()
	h.reader.setBalance(chain.Base, walletA, eth(20_000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected flow cleared, got %v", err)
	}
	if len(h.rec.txs) != 0 {
		t.Fatal("no transaction request may be sent for a too-small bridge")
	}
	if !h.rec.sawMessage("below the provider minimum") {
		t.Fatal("expected the too-low message")
	}
}

// A standalone bridge quote below the provider minimum is rejected before any
// flow or transaction request exists.
func TestStandaloneBridgeRejectsBelowMinimum(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, &bridgeServer{
		minDeposit: "10000000000000000000", feeWei: "100000000000000", status: "pending",
	})
	ctx := context.Background()
	h.reader.setBalance(chain.Base, walletA, eth(30_000))

	err := h.svc.StartBridge(ctx, BridgeRequest{Key: key(), ChannelID: "chan", AmountWei: eth(100)})
	if !nferr.HasCode(err, nferr.CodeFunds) {
		t.Fatalf("expected a funds error, got %v", err)
	}
	if len(h.rec.txs) != 0 {
		t.Fatal("no transaction request may be sent for a too-small bridge")
	}
	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("no flow may be created for a rejected quote, got %v", err)
	}
}

func TestCommitWaitDefaultsToProtocolMinimum(t *testing.T) {
	var opts Options
	opts.fill()
	if opts.CommitWait != registrar.MinCommitAge {
		t.Fatalf("default commit wait is %s, want %s", opts.CommitWait, registrar.MinCommitAge)
	}
	opts = Options{CommitWait: 5 * time.Millisecond}
	opts.fill()
	if opts.CommitWait != 5*time.Millisecond {
		t.Fatalf("explicit commit wait was overridden: %s", opts.CommitWait)
	}
}

// Two wallets, neither directly sufficient, one bridgeable: the selection
// prompt lists only the bridgeable wallet, and selecting it recomputes the
// owner before the bridge hand-off.
func TestRegistrationWalletSelection(t *testing.T) {
	h := newHarness(t, []common.Address{walletA, walletB}, &bridgeServer{
		minDeposit: "1000", feeWei: "100000000000000", status: "pending",
	})
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(5))   // far short
	h.reader.setBalance(chain.Base, walletB, eth(20_000)) // bridgeable

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	choice := h.rec.lastChoice(t)
	if len(choice.Options) != 1 || !strings.EqualFold(choice.Options[0], walletB.Hex()) {
		t.Fatalf("expected only the bridgeable wallet, got %v", choice.Options)
	}

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: choice.RequestID, UserID: key().UserID, Approved: true, Choice: walletB.Hex(),
	}); err != nil {
		t.Fatalf("wallet choice failed: %v", err)
	}

	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Kind != flow.KindBridge {
		t.Fatalf("expected the bridge path, got %s", f.Kind)
	}
	if !strings.EqualFold(f.Data.Bridge.Registration.SelectedWallet, walletB.Hex()) {
		t.Fatalf("owner was not recomputed for the selected wallet: %s", f.Data.Bridge.Registration.SelectedWallet)
	}
}

// The committed owner must equal the signer; a corrupted flow is rejected
// before any register request goes out.
func TestRegisterRefusesOwnerSignerMismatch(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	commitReq := h.rec.lastTx(t)

	if _, err := h.store.UpdateData(key(), func(d *flow.Data) error {
		d.Registration.Owner = walletB.Hex()
		return nil
	}); err != nil {
		t.Fatalf("corrupt owner: %v", err)
	}

	err := h.svc.HandleResponse(ctx, Response{
		RequestID: commitReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc0ffee",
	})
	if !nferr.HasCode(err, nferr.CodeSigner) {
		t.Fatalf("expected a signer mismatch error, got %v", err)
	}
	if len(h.rec.txs) != 1 {
		t.Fatal("no register request may be issued on a signer mismatch")
	}
}

func TestCancelExpiresLateResponses(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	commitReq := h.rec.lastTx(t)

	if err := h.svc.Cancel(ctx, key()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected cleared flow, got %v", err)
	}

	// The late wallet response carries a hash: acknowledged, never resumed.
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commitReq.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xc0ffee",
	}); err != nil {
		t.Fatalf("late response must be dropped quietly, got %v", err)
	}
	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatal("late response must not recreate state")
	}
	if !h.rec.sawMessage("no longer active") {
		t.Fatal("broadcast hash must be acknowledged")
	}
}

func TestResponseFromForeignUserIsDropped(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	commitReq := h.rec.lastTx(t)

	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: commitReq.RequestID, UserID: "someone-else", Approved: true, TxHash: "0xc0ffee",
	}); err != nil {
		t.Fatalf("foreign response must be dropped quietly, got %v", err)
	}
	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusInitiated {
		t.Fatalf("foreign response advanced the flow to %s", f.Status)
	}
}

func TestNewCommandSupersedesAcrossThreads(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))

	first := flow.Key{UserID: "user-1", ThreadID: "thread-old"}
	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: first, ChannelID: "chan", Names: []string{"vault"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("first StartRegistration failed: %v", err)
	}

	if err := h.svc.StartRegistration(ctx, RegistrationRequest{
		Key: key(), ChannelID: "chan", Names: []string{"other"}, DurationYears: 1,
	}); err != nil {
		t.Fatalf("second StartRegistration failed: %v", err)
	}

	if _, err := h.store.Get(first); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected the old thread's flow to be superseded, got %v", err)
	}
	if _, err := h.store.Get(key()); err != nil {
		t.Fatalf("expected the new flow to exist: %v", err)
	}
}

func TestSubnameTwoAndThreeStepCounts(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.oracle.infos["vault.eth"] = names.Info{
		Name: "vault.eth", Available: false, Owner: walletA.Hex(), PriceWeiPerYear: pricePerYear,
	}

	// recipient == owner: two steps, never a step-3 request
	if err := h.svc.StartSubname(ctx, SubnameRequest{
		Key: key(), ChannelID: "chan", Name: "pay.vault.eth",
	}); err != nil {
		t.Fatalf("StartSubname failed: %v", err)
	}
	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Data.Subname.TotalSteps != 2 {
		t.Fatalf("expected 2 steps for recipient == owner, got %d", f.Data.Subname.TotalSteps)
	}

	for step := 1; step <= 2; step++ {
		req := h.rec.lastTx(t)
		if req.Signer != walletA {
			t.Fatalf("step %d must be signed by the parent owner", step)
		}
		if err := h.svc.HandleResponse(ctx, Response{
			RequestID: req.RequestID, UserID: key().UserID, Approved: true, TxHash: fmt.Sprintf("0x%02d", step),
		}); err != nil {
			t.Fatalf("step %d response failed: %v", step, err)
		}
	}
	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusComplete {
		t.Fatalf("expected complete after 2 steps, got %s", f.Status)
	}
	txCount := len(h.rec.txs)

	// recipient != owner: exactly three requests, all signed by the owner
	if err := h.svc.StartSubname(ctx, SubnameRequest{
		Key: key(), ChannelID: "chan", Name: "pay2.vault.eth", Recipient: walletB.Hex(),
	}); err != nil {
		t.Fatalf("StartSubname failed: %v", err)
	}
	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Data.Subname.TotalSteps != 3 {
		t.Fatalf("expected 3 steps for recipient != owner, got %d", f.Data.Subname.TotalSteps)
	}
	for step := 1; step <= 3; step++ {
		req := h.rec.lastTx(t)
		if req.Signer != walletA {
			t.Fatalf("step %d must be signed by the parent owner, not the recipient", step)
		}
		if err := h.svc.HandleResponse(ctx, Response{
			RequestID: req.RequestID, UserID: key().UserID, Approved: true, TxHash: fmt.Sprintf("0x1%02d", step),
		}); err != nil {
			t.Fatalf("step %d response failed: %v", step, err)
		}
	}
	if len(h.rec.txs) != txCount+3 {
		t.Fatalf("expected exactly 3 more requests, got %d", len(h.rec.txs)-txCount)
	}
	f, err = h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusComplete || len(f.Data.Subname.TxHashes) != 3 {
		t.Fatalf("expected complete with 3 hashes, got %s/%d", f.Status, len(f.Data.Subname.TxHashes))
	}
}

func TestSubnameRejectionReportsCompletedSteps(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.oracle.infos["vault.eth"] = names.Info{
		Name: "vault.eth", Available: false, Owner: walletA.Hex(), PriceWeiPerYear: pricePerYear,
	}

	if err := h.svc.StartSubname(ctx, SubnameRequest{
		Key: key(), ChannelID: "chan", Name: "pay.vault.eth", Recipient: walletB.Hex(),
	}); err != nil {
		t.Fatalf("StartSubname failed: %v", err)
	}
	step1 := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: step1.RequestID, UserID: key().UserID, Approved: true, TxHash: "0x01",
	}); err != nil {
		t.Fatalf("step 1 response failed: %v", err)
	}

	step2 := h.rec.lastTx(t)
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: step2.RequestID, UserID: key().UserID, Approved: false,
	}); err != nil {
		t.Fatalf("rejection handling failed: %v", err)
	}

	if _, err := h.store.Get(key()); !nferr.HasCode(err, nferr.CodeNotFound) {
		t.Fatalf("expected cleared flow after rejection, got %v", err)
	}
	if !h.rec.sawMessage("was created") {
		t.Fatal("rejection message must list the steps already done on chain")
	}
}

func TestRenewFlow(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.reader.setBalance(chain.Mainnet, walletA, eth(1000))
	h.oracle.infos["vault.eth"] = names.Info{
		Name: "vault.eth", Available: false, Owner: walletA.Hex(),
		Expiry: "2027-01-01T00:00:00Z", PriceWeiPerYear: pricePerYear,
	}

	if err := h.svc.StartRenew(ctx, RenewRequest{
		Key: key(), ChannelID: "chan", Name: "vault", DurationYears: 1,
	}); err != nil {
		t.Fatalf("StartRenew failed: %v", err)
	}
	req := h.rec.lastTx(t)
	if req.ValueWei.String() != pricePerYear {
		t.Fatalf("unexpected renew value: %s", req.ValueWei)
	}
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: req.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xaa",
	}); err != nil {
		t.Fatalf("renew response failed: %v", err)
	}

	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusComplete {
		t.Fatalf("expected complete, got %s", f.Status)
	}
	if f.Data.Renew.NewExpiry != "2028-01-01T00:00:00Z" {
		t.Fatalf("unexpected new expiry: %s", f.Data.Renew.NewExpiry)
	}
}

func TestTransferRequiresOwnership(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.oracle.infos["vault.eth"] = names.Info{
		Name: "vault.eth", Available: false, Owner: walletB.Hex(), PriceWeiPerYear: pricePerYear,
	}

	err := h.svc.StartTransfer(ctx, TransferRequest{
		Key: key(), ChannelID: "chan", Name: "vault", Recipient: walletA.Hex(),
	})
	if !nferr.HasCode(err, nferr.CodeForbidden) {
		t.Fatalf("expected forbidden for a name the user does not own, got %v", err)
	}
}

func TestTransferFlow(t *testing.T) {
	h := newHarness(t, []common.Address{walletA}, nil)
	ctx := context.Background()
	h.oracle.infos["vault.eth"] = names.Info{
		Name: "vault.eth", Available: false, Owner: walletA.Hex(), PriceWeiPerYear: pricePerYear,
	}

	if err := h.svc.StartTransfer(ctx, TransferRequest{
		Key: key(), ChannelID: "chan", Name: "vault", Recipient: walletB.Hex(),
	}); err != nil {
		t.Fatalf("StartTransfer failed: %v", err)
	}
	req := h.rec.lastTx(t)
	if req.Signer != walletA {
		t.Fatalf("transfer must be signed by the current owner")
	}
	if err := h.svc.HandleResponse(ctx, Response{
		RequestID: req.RequestID, UserID: key().UserID, Approved: true, TxHash: "0xbb",
	}); err != nil {
		t.Fatalf("transfer response failed: %v", err)
	}
	f, err := h.store.Get(key())
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if f.Status != flow.StatusComplete || f.Data.Transfer.TxHash != "0xbb" {
		t.Fatalf("unexpected final state: %s", f.Status)
	}
}
