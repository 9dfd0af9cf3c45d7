package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/bridge"
	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/funding"
)

// fillRatioBps is the balance-delta success threshold: a destination balance
// increase of at least 80% of the expected output counts as filled, tolerating
// fee variance when no deposit id could be extracted.
const fillRatioBps = 8_000

// bridgeGasReserveWei is kept untouched on the source chain so the deposit
// transaction itself can pay for gas.
var bridgeGasReserveWei = big.NewInt(300_000_000_000_000) // 0.0003 ether

type BridgeRequest struct {
	Key       flow.Key
	ChannelID string
	AmountWei *big.Int // required output on the execution chain
	Recipient common.Address
}

// StartBridge begins a standalone bridge flow moving funds from the source
// chain to the execution chain.
func (s *Service) StartBridge(ctx context.Context, req BridgeRequest) error {
	if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
		return nferr.New(nferr.CodeUsage, "a positive amount is required")
	}
	wallets, err := s.wallets.Wallets(ctx, req.Key.UserID)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		return nferr.New(nferr.CodeUsage, "no wallet connected")
	}

	if err := s.supersede(ctx, req.Key); err != nil {
		return err
	}

	quote, err := s.bridge.Quote(ctx, bridge.QuoteRequest{
		FromChain: s.opts.SourceChain,
		ToChain:   s.opts.ExecutionChain,
		OutputWei: req.AmountWei,
	})
	if err != nil {
		return err
	}
	if quote.MinDepositWei.Sign() > 0 && quote.InputWei.Cmp(quote.MinDepositWei) < 0 {
		return nferr.New(nferr.CodeFunds, fmt.Sprintf(
			"the amount to bridge (%s ETH) is below the provider minimum of %s ETH",
			chain.FormatEther(quote.InputWei), chain.FormatEther(quote.MinDepositWei)))
	}

	var sender common.Address
	found := false
	needed := new(big.Int).Add(quote.InputWei, bridgeGasReserveWei)
	for _, addr := range wallets {
		balance, err := s.reader.NativeBalance(ctx, s.opts.SourceChain, addr)
		if err != nil {
			return err
		}
		if balance.Cmp(needed) >= 0 {
			sender = addr
			found = true
			break
		}
	}
	if !found {
		return nferr.New(nferr.CodeFunds, fmt.Sprintf(
			"no wallet holds %s ETH on %s to fund this transfer", chain.FormatEther(needed), s.opts.SourceChain.Name))
	}

	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = sender
	}
	data := flow.Data{Bridge: &flow.BridgeData{
		FromChainID:  s.opts.SourceChain.ID,
		ToChainID:    s.opts.ExecutionChain.ID,
		AmountWei:    req.AmountWei.String(),
		InputWei:     quote.InputWei.String(),
		Recipient:    recipient.Hex(),
		SenderWallet: sender.Hex(),
		NextAction:   flow.NextNone,
	}}
	f := flow.New(req.Key, req.ChannelID, flow.KindBridge, data)
	if err := s.flows.Create(f); err != nil {
		return err
	}
	return s.requestDeposit(ctx, req.Key, quote)
}

// handOffToBridge replaces a blocked registration flow with a bridge flow
// carrying the registration payload, so the registration resumes automatically
// once the transfer fills. Quote rejections clear the parent outright.
func (s *Service) handOffToBridge(ctx context.Context, key flow.Key, wallet funding.Snapshot, required *big.Int) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	reg := f.Data.Registration
	if reg == nil {
		return nferr.New(nferr.CodeInternal, "bridge hand-off without a registration payload")
	}
	reg.SelectedWallet = wallet.Address.Hex()

	output := new(big.Int).Sub(required, wallet.ExecutionBalance)
	if output.Sign() <= 0 {
		return s.beginCommit(ctx, key, wallet.Address)
	}

	quote, err := s.bridge.Quote(ctx, bridge.QuoteRequest{
		FromChain: s.opts.SourceChain,
		ToChain:   s.opts.ExecutionChain,
		OutputWei: output,
	})
	if err != nil {
		_ = s.messenger.Notify(ctx, f, "The bridge provider is unavailable right now. Please try again.")
		return err
	}
	if quote.MinDepositWei.Sign() > 0 && quote.InputWei.Cmp(quote.MinDepositWei) < 0 {
		s.clearWithMessage(ctx, key, fmt.Sprintf(
			"The amount to bridge (%s ETH) is below the provider minimum of %s ETH, so this registration cannot proceed.",
			chain.FormatEther(quote.InputWei), chain.FormatEther(quote.MinDepositWei)))
		return nil
	}
	needed := new(big.Int).Add(quote.InputWei, bridgeGasReserveWei)
	if wallet.SourceBalance.Cmp(needed) < 0 {
		short := new(big.Int).Sub(needed, wallet.SourceBalance)
		s.clearWithMessage(ctx, key, fmt.Sprintf(
			"After bridge fees, %s would need %s ETH on %s but is %s ETH short. This registration cannot proceed.",
			wallet.Address.Hex(), chain.FormatEther(needed), s.opts.SourceChain.Name, chain.FormatEther(short)))
		return nil
	}

	_ = s.correlator.Invalidate(key)
	if err := s.flows.Clear(key); err != nil {
		return err
	}
	data := flow.Data{Bridge: &flow.BridgeData{
		FromChainID:  s.opts.SourceChain.ID,
		ToChainID:    s.opts.ExecutionChain.ID,
		AmountWei:    output.String(),
		InputWei:     quote.InputWei.String(),
		Recipient:    wallet.Address.Hex(),
		SenderWallet: wallet.Address.Hex(),
		NextAction:   flow.NextContinueRegistration,
		Registration: reg,
	}}
	bf := flow.New(key, f.ChannelID, flow.KindBridge, data)
	if err := s.flows.Create(bf); err != nil {
		return err
	}
	_ = s.messenger.Notify(ctx, bf, fmt.Sprintf(
		"%s does not hold enough on %s, so %s ETH will be bridged from %s first. Registration continues automatically once it arrives.",
		wallet.Address.Hex(), s.opts.ExecutionChain.Name, chain.FormatEther(quote.InputWei), s.opts.SourceChain.Name))
	return s.requestDeposit(ctx, key, quote)
}

// requestDeposit builds the deposit transaction and asks the sender to sign.
func (s *Service) requestDeposit(ctx context.Context, key flow.Key, quote bridge.Quote) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	b := f.Data.Bridge
	sender := common.HexToAddress(b.SenderWallet)
	recipient := common.HexToAddress(b.Recipient)
	input, err := parseWei(b.InputWei)
	if err != nil {
		return err
	}

	plan, err := s.bridge.BuildDeposit(ctx, bridge.DepositRequest{
		FromChain: s.opts.SourceChain,
		ToChain:   s.opts.ExecutionChain,
		InputWei:  input,
		Depositor: sender,
		Recipient: recipient,
	})
	if err != nil {
		s.clearWithMessage(ctx, key, "The bridge provider could not build the transfer. Nothing was moved.")
		return err
	}

	// Snapshot the destination balance now: the balance-delta fallback
	// measures growth from this point.
	destStart, err := s.reader.NativeBalance(ctx, s.opts.ExecutionChain, recipient)
	if err != nil {
		return err
	}
	if _, err := s.flows.UpdateData(key, func(d *flow.Data) error {
		d.Bridge.DestStartWei = destStart.String()
		return nil
	}); err != nil {
		return err
	}

	requestID, err := s.correlator.Issue(correlate.KindBridgeDeposit, key, 0)
	if err != nil {
		return err
	}
	s.log.WithFields(logFields(key, "bridge")).WithField("input_wei", b.InputWei).Info("requesting bridge deposit")
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   plan.ChainID,
		To:        plan.Target,
		ValueWei:  plan.Value,
		Data:      plan.Data,
		Signer:    sender,
		Summary: fmt.Sprintf("Bridge %s ETH from %s to %s (est. fill %ds)",
			chain.FormatEther(input), s.opts.SourceChain.Name, s.opts.ExecutionChain.Name, quote.EstimatedFillSecs),
	})
}

// handleDepositResponse confirms the deposit on the source chain, extracts the
// deposit id when possible and starts watching for the fill.
func (s *Service) handleDepositResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindBridge || f.Status != flow.StatusPending {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.fail(ctx, pending.Key, "The bridge transfer was cancelled: the deposit was not signed. Nothing was moved.")
		return nil
	}

	receipt, err := s.awaitReceipt(ctx, s.opts.SourceChain, common.HexToHash(resp.TxHash))
	if err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("The bridge deposit did not confirm: %v", err))
		return nil
	}

	depositID, _ := bridge.ExtractDepositID(receipt, s.opts.SourceChain.ID)
	if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Bridge.DepositTxHash = resp.TxHash
		d.Bridge.DepositID = depositID
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusBridging); err != nil {
		return err
	}
	return s.watchBridge(ctx, pending.Key)
}

// watchBridge waits for the transfer to fill: by provider status when a
// deposit id is known, by destination balance growth otherwise. A timeout
// leaves the flow bridging and hands the user a manual check affordance.
func (s *Service) watchBridge(ctx context.Context, key flow.Key) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	b := f.Data.Bridge

	if b.DepositID != "" {
		deadline := time.Now().Add(s.opts.BridgePollTimeout)
		for time.Now().Before(deadline) {
			// A cancel may have landed while this poll slept.
			if _, err := s.flows.Get(key); err != nil {
				return nil
			}
			status, err := s.bridge.Status(ctx, s.opts.SourceChain.ID, b.DepositID)
			if err == nil {
				switch status.Status {
				case bridge.DepositFilled:
					return s.finishBridge(ctx, key, status.FillTxHash)
				case bridge.DepositExpired:
					s.fail(ctx, key, fmt.Sprintf("The bridge transfer expired without filling. Your funds remain on %s.", s.opts.SourceChain.Name))
					return nil
				}
			}
			if err := sleep(ctx, s.opts.BridgePollInterval); err != nil {
				return err
			}
		}
	} else {
		filled, err := s.pollBalanceDelta(ctx, key, b)
		if err != nil {
			return err
		}
		if filled {
			return s.finishBridge(ctx, key, "")
		}
	}

	_ = s.messenger.Notify(ctx, f, "The transfer has not been confirmed yet. It may still complete; say \"check bridge\" to look again.")
	return nil
}

// pollBalanceDelta reports whether the recipient's destination balance grew
// by at least the fill threshold within the polling window.
func (s *Service) pollBalanceDelta(ctx context.Context, key flow.Key, b *flow.BridgeData) (bool, error) {
	expected, err := parseWei(b.AmountWei)
	if err != nil {
		return false, err
	}
	start, err := parseWei(b.DestStartWei)
	if err != nil {
		return false, err
	}
	threshold := chain.ScaleBps(expected, fillRatioBps)
	recipient := common.HexToAddress(b.Recipient)

	deadline := time.Now().Add(s.opts.BalancePollTimeout)
	for time.Now().Before(deadline) {
		if _, err := s.flows.Get(key); err != nil {
			return false, nil
		}
		balance, err := s.reader.NativeBalance(ctx, s.opts.ExecutionChain, recipient)
		if err == nil {
			delta := new(big.Int).Sub(balance, start)
			if delta.Cmp(threshold) >= 0 {
				return true, nil
			}
		}
		if err := sleep(ctx, s.opts.BalancePollInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// finishBridge completes the flow and resumes the blocked parent, if any.
func (s *Service) finishBridge(ctx context.Context, key flow.Key, fillTxHash string) error {
	f, err := s.flows.UpdateData(key, func(d *flow.Data) error {
		d.Bridge.FillTxHash = fillTxHash
		return nil
	})
	if err != nil {
		return err
	}
	b := f.Data.Bridge
	if _, err := s.flows.UpdateStatus(key, flow.StatusCompleted); err != nil {
		return err
	}
	_ = s.messenger.Notify(ctx, f, fmt.Sprintf("Bridged %s ETH to %s.", chain.FormatEther(mustWei(b.AmountWei)), s.opts.ExecutionChain.Name))
	s.log.WithFields(logFields(key, "bridge")).Info("bridge transfer filled")

	if b.NextAction != flow.NextContinueRegistration || b.Registration == nil {
		return nil
	}

	// Resume the parent exactly at the commit step: duration, names and
	// wallet were settled before the hand-off.
	_ = s.correlator.Invalidate(key)
	if err := s.flows.Clear(key); err != nil {
		return err
	}
	rf := flow.New(key, f.ChannelID, flow.KindRegistration, flow.Data{Registration: b.Registration})
	if err := s.flows.Create(rf); err != nil {
		return err
	}
	return s.beginCommit(ctx, key, common.HexToAddress(b.Registration.SelectedWallet))
}

// CheckBridge is the manual affordance behind the watch timeout: it re-checks
// the transfer once and finalizes it when filled.
func (s *Service) CheckBridge(ctx context.Context, key flow.Key) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindBridge || f.Status != flow.StatusBridging {
		return nferr.New(nferr.CodeUsage, "no bridge transfer is waiting in this conversation")
	}
	b := f.Data.Bridge

	if b.DepositID != "" {
		status, err := s.bridge.Status(ctx, s.opts.SourceChain.ID, b.DepositID)
		if err != nil {
			return err
		}
		switch status.Status {
		case bridge.DepositFilled:
			return s.finishBridge(ctx, key, status.FillTxHash)
		case bridge.DepositExpired:
			s.fail(ctx, key, fmt.Sprintf("The bridge transfer expired without filling. Your funds remain on %s.", s.opts.SourceChain.Name))
			return nil
		}
		_ = s.messenger.Notify(ctx, f, "Still pending. Check again in a little while.")
		return nil
	}

	expected, err := parseWei(b.AmountWei)
	if err != nil {
		return err
	}
	start, err := parseWei(b.DestStartWei)
	if err != nil {
		return err
	}
	balance, err := s.reader.NativeBalance(ctx, s.opts.ExecutionChain, common.HexToAddress(b.Recipient))
	if err != nil {
		return err
	}
	delta := new(big.Int).Sub(balance, start)
	if delta.Cmp(chain.ScaleBps(expected, fillRatioBps)) >= 0 {
		return s.finishBridge(ctx, key, "")
	}
	_ = s.messenger.Notify(ctx, f, "The funds have not arrived yet. Check again in a little while.")
	return nil
}

func mustWei(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
