package correlate

import (
	"path/filepath"
	"testing"

	"github.com/ggonzalez94/nameflow/internal/cache"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
)

func newTestCorrelator(t *testing.T) (*Correlator, *flow.Store) {
	t.Helper()
	dir := t.TempDir()
	flows, err := flow.OpenStore(filepath.Join(dir, "flows.db"), filepath.Join(dir, "flows.lock"))
	if err != nil {
		t.Fatalf("open flow store: %v", err)
	}
	t.Cleanup(func() { _ = flows.Close() })
	pending, err := cache.Open(filepath.Join(dir, "pending.db"), filepath.Join(dir, "pending.lock"))
	if err != nil {
		t.Fatalf("open pending store: %v", err)
	}
	t.Cleanup(func() { _ = pending.Close() })
	return New(flows, pending), flows
}

func activeFlow(t *testing.T, flows *flow.Store, key flow.Key) {
	t.Helper()
	f := flow.New(key, "chan-1", flow.KindRegistration, flow.Data{
		Registration: &flow.RegistrationData{NameList: []string{"vault.eth"}},
	})
	if err := flows.Create(f); err != nil {
		t.Fatalf("create flow: %v", err)
	}
}

func TestIssueAndResolveRoundTrip(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	id, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	record, err := c.Resolve(id, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if record.Kind != KindCommitTx || record.Key != key || record.Step != 1 {
		t.Fatalf("unexpected pending record: %+v", record)
	}
}

func TestResolveRejectsForeignUser(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	id, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := c.Resolve(id, "u2"); !nferr.HasCode(err, nferr.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestResolveExpiresWhenFlowGone(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	id, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := flows.Clear(key); err != nil {
		t.Fatalf("clear flow: %v", err)
	}
	if _, err := c.Resolve(id, "u1"); !nferr.HasCode(err, nferr.CodeExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestResolveExpiresAfterInvalidate(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	first, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	second, err := c.Issue(KindWalletSelect, key, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := c.Invalidate(key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	for _, id := range []string{first, second} {
		if _, err := c.Resolve(id, "u1"); !nferr.HasCode(err, nferr.CodeExpired) {
			t.Fatalf("expected expired after invalidate, got %v", err)
		}
	}
}

func TestConsumeMakesIDSingleUse(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	id, err := c.Issue(KindRegisterTx, key, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := c.Resolve(id, "u1"); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if err := c.Consume(id); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if _, err := c.Resolve(id, "u1"); !nferr.HasCode(err, nferr.CodeExpired) {
		t.Fatalf("expected expired after consume, got %v", err)
	}
	// Other prompts for the same key survive.
	other, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := c.Resolve(other, "u1"); err != nil {
		t.Fatalf("unconsumed prompt must still resolve: %v", err)
	}
}

func TestResolveRejectsMalformedID(t *testing.T) {
	c, _ := newTestCorrelator(t)
	for _, id := range []string{"", "junk", "nfr1.only.three", "other1.regcommit.dTE.dDE.tok"} {
		if _, err := c.Resolve(id, "u1"); !nferr.HasCode(err, nferr.CodeExpired) {
			t.Fatalf("expected expired for %q, got %v", id, err)
		}
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	c, flows := newTestCorrelator(t)
	key := flow.Key{UserID: "u1", ThreadID: "t1"}
	activeFlow(t, flows, key)

	a, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	b, err := c.Issue(KindCommitTx, key, 1)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct request ids for repeated issues")
	}
}
