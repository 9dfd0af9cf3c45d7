package app

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/funding"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/registrar"
)

// gasHeadroomBps pads the funding requirement so the selected wallet can pay
// the registration value and still cover gas for both transactions.
const gasHeadroomBps = 10_200

type RegistrationRequest struct {
	Key           flow.Key
	ChannelID     string
	Names         []string
	DurationYears int // 0 asks the user
}

// StartRegistration begins a commit/reveal registration flow. Names are
// validated and priced up front; funding is planned once the duration is
// known; the commitment itself is only computed once the signer is final.
func (s *Service) StartRegistration(ctx context.Context, req RegistrationRequest) error {
	if len(req.Names) == 0 {
		return nferr.New(nferr.CodeUsage, "at least one name is required")
	}
	normalized := make([]string, 0, len(req.Names))
	for _, raw := range req.Names {
		name, err := names.Normalize(raw)
		if err != nil {
			return err
		}
		info, err := s.oracle.Lookup(ctx, name)
		if err != nil {
			return nferr.Wrap(nferr.CodeUnavailable, "look up name availability", err)
		}
		if !info.Available {
			return nferr.New(nferr.CodeUsage, fmt.Sprintf("%s is already registered", name))
		}
		normalized = append(normalized, name)
	}

	if err := s.supersede(ctx, req.Key); err != nil {
		return err
	}
	data := flow.Data{Registration: &flow.RegistrationData{
		NameList:      normalized,
		DurationYears: req.DurationYears,
	}}
	f := flow.New(req.Key, req.ChannelID, flow.KindRegistration, data)
	if err := s.flows.Create(f); err != nil {
		return err
	}
	s.log.WithFields(logFields(req.Key, "registration")).WithField("names", normalized).Info("registration flow created")

	if req.DurationYears <= 0 {
		requestID, err := s.correlator.Issue(correlate.KindDuration, req.Key, 0)
		if err != nil {
			return err
		}
		return s.txs.RequestChoice(ctx, f, ChoiceRequest{
			RequestID: requestID,
			Prompt:    fmt.Sprintf("How many years should %s be registered for?", strings.Join(normalized, ", ")),
			Options:   []string{"1", "2", "3", "4", "5"},
		})
	}
	return s.priceAndPlan(ctx, req.Key)
}

// priceAndPlan computes per-name costs, then runs the funding planner and
// routes the flow down the direct, bridge or wallet-selection path.
func (s *Service) priceAndPlan(ctx context.Context, key flow.Key) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	reg := f.Data.Registration
	if reg == nil || reg.DurationYears <= 0 {
		return nferr.New(nferr.CodeInternal, "registration flow has no duration")
	}

	total := big.NewInt(0)
	costs := make([]flow.NameCost, 0, len(reg.NameList))
	for _, name := range reg.NameList {
		info, err := s.oracle.Lookup(ctx, name)
		if err != nil {
			_ = s.messenger.Notify(ctx, f, "The name registry is unavailable right now. Please try again.")
			return err
		}
		if !info.Available {
			s.clearWithMessage(ctx, key, fmt.Sprintf("%s was registered by someone else in the meantime.", name))
			return nil
		}
		cost, err := names.Cost(info.PriceWeiPerYear, reg.DurationYears)
		if err != nil {
			return err
		}
		costs = append(costs, flow.NameCost{Name: name, CostWei: cost.String()})
		total.Add(total, cost)
	}

	f, err = s.flows.UpdateData(key, func(d *flow.Data) error {
		d.Registration.Costs = costs
		d.Registration.TotalWei = total.String()
		return nil
	})
	if err != nil {
		return err
	}

	wallets, err := s.wallets.Wallets(ctx, key.UserID)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		s.clearWithMessage(ctx, key, "You have no wallet connected, so there is nothing to pay with.")
		return nil
	}

	required := chain.ScaleBps(total, gasHeadroomBps)
	decision, err := s.planner.Plan(ctx, required, wallets)
	if err != nil {
		_ = s.messenger.Notify(ctx, f, "Could not read wallet balances. Please try again.")
		return err
	}

	switch decision.Mode {
	case funding.ModeDirect:
		return s.beginCommit(ctx, key, decision.Wallet.Address)
	case funding.ModeBridge:
		return s.handOffToBridge(ctx, key, decision.Wallet, required)
	case funding.ModeChooseWallet:
		candidates := make([]string, 0, len(decision.Candidates))
		for _, snap := range decision.Candidates {
			candidates = append(candidates, snap.Address.Hex())
		}
		f, err = s.flows.UpdateData(key, func(d *flow.Data) error {
			d.Registration.Candidates = candidates
			return nil
		})
		if err != nil {
			return err
		}
		requestID, err := s.correlator.Issue(correlate.KindWalletSelect, key, 0)
		if err != nil {
			return err
		}
		return s.txs.RequestChoice(ctx, f, ChoiceRequest{
			RequestID: requestID,
			Prompt:    fmt.Sprintf("Which wallet should pay %s ETH?", chain.FormatEther(total)),
			Options:   candidates,
		})
	default:
		shortfall := smallestShortfall(decision.All, required)
		msg := fmt.Sprintf(
			"Insufficient funds: registering costs %s ETH and no wallet can cover it on %s or %s. You are short %s ETH.",
			chain.FormatEther(total), s.opts.ExecutionChain.Name, s.opts.SourceChain.Name, chain.FormatEther(shortfall))
		if len(decision.All) == 1 {
			only := decision.All[0]
			msg = fmt.Sprintf(
				"Insufficient funds: registering costs %s ETH but %s holds %s ETH on %s and %s ETH on %s. You are short %s ETH.",
				chain.FormatEther(total), only.Address.Hex(),
				chain.FormatEther(only.ExecutionBalance), s.opts.ExecutionChain.Name,
				chain.FormatEther(only.SourceBalance), s.opts.SourceChain.Name,
				chain.FormatEther(shortfall))
		}
		s.clearWithMessage(ctx, key, msg)
		return nil
	}
}

// beginCommit computes the commitment against the finally selected signer and
// requests the commit transaction. An earlier estimate may have used a
// placeholder owner; the commitment must never be reused across signers.
func (s *Service) beginCommit(ctx context.Context, key flow.Key, signer common.Address) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	reg := f.Data.Registration
	if reg == nil || reg.CurrentIndex >= len(reg.NameList) {
		return nferr.New(nferr.CodeInternal, "registration flow has no name to commit")
	}
	name := reg.NameList[reg.CurrentIndex]

	secret, err := registrar.NewSecret()
	if err != nil {
		return err
	}
	duration := registrar.Duration(reg.DurationYears)
	commitment, err := registrar.MakeCommitment(name, signer, duration, secret)
	if err != nil {
		return err
	}

	f, err = s.flows.UpdateData(key, func(d *flow.Data) error {
		r := d.Registration
		r.SelectedWallet = signer.Hex()
		r.Owner = signer.Hex()
		r.Secret = secret.Hex()
		r.Commitment = commitment.Hex()
		r.CommitTxHash = ""
		r.CommitMinedAt = ""
		r.RegisterTxHash = ""
		return nil
	})
	if err != nil {
		return err
	}
	if f.Status == flow.StatusAwaitingWallet {
		if f, err = s.flows.UpdateStatus(key, flow.StatusInitiated); err != nil {
			return err
		}
	}

	calldata, err := registrar.EncodeCommit(commitment)
	if err != nil {
		return err
	}
	requestID, err := s.correlator.Issue(correlate.KindCommitTx, key, reg.CurrentIndex)
	if err != nil {
		return err
	}
	s.log.WithFields(logFields(key, "registration")).WithField("name", name).Info("requesting commit transaction")
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   s.opts.ExecutionChain.ID,
		To:        registrar.Controller,
		ValueWei:  big.NewInt(0),
		Data:      calldata,
		Signer:    signer,
		Summary:   fmt.Sprintf("Commit to registering %s (step 1 of 2)", name),
	})
}

// handleDurationChoice resumes a registration that was waiting on a duration.
func (s *Service) handleDurationChoice(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindRegistration || f.Status != flow.StatusAwaitingWallet {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	years, err := strconv.Atoi(strings.TrimSpace(resp.Choice))
	if err != nil || years < 1 || years > 5 {
		_ = s.messenger.Notify(ctx, f, "Please pick a duration between 1 and 5 years.")
		return nferr.New(nferr.CodeUsage, "invalid registration duration")
	}
	if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Registration.DurationYears = years
		return nil
	}); err != nil {
		return err
	}
	return s.priceAndPlan(ctx, pending.Key)
}

// handleWalletChoice re-plans funding for the explicitly selected wallet. The
// selection changes the future owner, so everything downstream (commitment
// included) is recomputed against it.
func (s *Service) handleWalletChoice(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindRegistration || f.Status != flow.StatusAwaitingWallet {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	reg := f.Data.Registration
	choice := strings.TrimSpace(resp.Choice)
	var selected common.Address
	found := false
	for _, candidate := range reg.Candidates {
		if strings.EqualFold(candidate, choice) {
			selected = common.HexToAddress(candidate)
			found = true
			break
		}
	}
	if !found {
		_ = s.messenger.Notify(ctx, f, "That wallet was not one of the offered options.")
		return nferr.New(nferr.CodeUsage, "selected wallet is not a candidate")
	}

	total, err := parseWei(reg.TotalWei)
	if err != nil {
		return err
	}
	required := chain.ScaleBps(total, gasHeadroomBps)
	decision, err := s.planner.Plan(ctx, required, []common.Address{selected})
	if err != nil {
		_ = s.messenger.Notify(ctx, f, "Could not read wallet balances. Please try again.")
		return err
	}
	switch decision.Mode {
	case funding.ModeDirect:
		return s.beginCommit(ctx, pending.Key, selected)
	case funding.ModeBridge:
		return s.handOffToBridge(ctx, pending.Key, decision.Wallet, required)
	default:
		s.clearWithMessage(ctx, pending.Key, fmt.Sprintf(
			"%s no longer has enough funds on either chain. Please start over.", selected.Hex()))
		return nil
	}
}

// handleCommitResponse confirms the commit, honors the mandatory wait and
// requests the register transaction.
func (s *Service) handleCommitResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindRegistration || f.Status != flow.StatusInitiated {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	reg := f.Data.Registration
	if pending.Step != reg.CurrentIndex {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	name := reg.NameList[reg.CurrentIndex]

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.fail(ctx, pending.Key, fmt.Sprintf("Registration of %s was cancelled: the commit transaction was not signed. Nothing happened on chain.", name))
		return nil
	}

	if _, err := s.awaitReceipt(ctx, s.opts.ExecutionChain, common.HexToHash(resp.TxHash)); err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("The commit transaction for %s did not confirm: %v", name, err))
		return nil
	}
	minedAt := time.Now().UTC()
	if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Registration.CommitTxHash = resp.TxHash
		d.Registration.CommitMinedAt = minedAt.Format(time.RFC3339)
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusStep2Pending); err != nil {
		return err
	}

	_ = s.messenger.Notify(ctx, f, fmt.Sprintf("Commitment for %s confirmed. Waiting %s before the registration can be revealed.", name, s.opts.CommitWait))
	if err := sleep(ctx, s.opts.CommitWait-time.Since(minedAt)); err != nil {
		return err
	}
	return s.requestRegister(ctx, pending.Key)
}

// requestRegister issues the reveal transaction for the current name. The
// commitment's owner must equal the selected signer; a mismatch is fatal and
// surfaced before any transaction request goes out.
func (s *Service) requestRegister(ctx context.Context, key flow.Key) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	reg := f.Data.Registration
	name := reg.NameList[reg.CurrentIndex]

	if !strings.EqualFold(reg.Owner, reg.SelectedWallet) || reg.Owner == "" {
		s.fail(ctx, key, "The committed owner does not match the signing wallet. This registration cannot continue; please start over.")
		return nferr.New(nferr.CodeSigner, "commitment owner does not match signer")
	}

	signer := common.HexToAddress(reg.SelectedWallet)
	duration := registrar.Duration(reg.DurationYears)
	calldata, err := registrar.EncodeRegister(name, signer, duration, common.HexToHash(reg.Secret))
	if err != nil {
		return err
	}
	value, err := parseWei(reg.Costs[reg.CurrentIndex].CostWei)
	if err != nil {
		return err
	}
	requestID, err := s.correlator.Issue(correlate.KindRegisterTx, key, reg.CurrentIndex)
	if err != nil {
		return err
	}
	s.log.WithFields(logFields(key, "registration")).WithField("name", name).Info("requesting register transaction")
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   s.opts.ExecutionChain.ID,
		To:        registrar.Controller,
		ValueWei:  value,
		Data:      calldata,
		Signer:    signer,
		Summary:   fmt.Sprintf("Register %s for %d year(s) (step 2 of 2)", name, reg.DurationYears),
	})
}

// handleRegisterResponse confirms the reveal. An expired commitment restarts
// from a fresh commit; a confirmed reveal either advances to the next name or
// completes the flow.
func (s *Service) handleRegisterResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindRegistration || f.Status != flow.StatusStep2Pending {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	reg := f.Data.Registration
	if pending.Step != reg.CurrentIndex {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	name := reg.NameList[reg.CurrentIndex]

	if commitExpired(reg.CommitMinedAt) {
		_ = s.messenger.Notify(ctx, f, fmt.Sprintf("The commitment for %s is older than %s and is no longer valid. Starting over from a fresh commitment.", name, registrar.CommitmentValidity))
		if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusInitiated); err != nil {
			return err
		}
		return s.beginCommit(ctx, pending.Key, common.HexToAddress(reg.SelectedWallet))
	}

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.fail(ctx, pending.Key, fmt.Sprintf("Registration of %s was cancelled at the reveal step. The commitment stays valid for %s if you want to restart.", name, registrar.CommitmentValidity))
		return nil
	}
	if _, err := s.awaitReceipt(ctx, s.opts.ExecutionChain, common.HexToHash(resp.TxHash)); err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("The register transaction for %s did not confirm: %v", name, err))
		return nil
	}

	f, err = s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		r := d.Registration
		r.RegisterTxHash = resp.TxHash
		r.RegisteredTxHashes = append(r.RegisteredTxHashes, resp.TxHash)
		return nil
	})
	if err != nil {
		return err
	}

	if reg.CurrentIndex+1 < len(reg.NameList) {
		_ = s.messenger.Notify(ctx, f, fmt.Sprintf("%s is yours. Moving on to %s.", name, reg.NameList[reg.CurrentIndex+1]))
		if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusInitiated); err != nil {
			return err
		}
		if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
			d.Registration.CurrentIndex++
			return nil
		}); err != nil {
			return err
		}
		return s.beginCommit(ctx, pending.Key, common.HexToAddress(reg.SelectedWallet))
	}

	if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusComplete); err != nil {
		return err
	}
	_ = s.messenger.Notify(ctx, f, fmt.Sprintf("%s registered for %d year(s). All done.", strings.Join(reg.NameList, ", "), reg.DurationYears))
	_ = s.correlator.Invalidate(pending.Key)
	return s.flows.Clear(pending.Key)
}

func commitExpired(minedAt string) bool {
	if minedAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, minedAt)
	if err != nil {
		return false
	}
	return time.Since(t) > registrar.CommitmentValidity
}

func smallestShortfall(snaps []funding.Snapshot, required *big.Int) *big.Int {
	best := new(big.Int).Set(required)
	for _, snap := range snaps {
		if snap.Shortfall != nil && snap.Shortfall.Cmp(best) < 0 {
			best = snap.Shortfall
		}
	}
	return best
}

func parseWei(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return nil, nferr.New(nferr.CodeInternal, "invalid stored wei amount")
	}
	return n, nil
}
