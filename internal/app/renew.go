package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/registrar"
)

type RenewRequest struct {
	Key           flow.Key
	ChannelID     string
	Name          string
	DurationYears int
}

// StartRenew begins a single-transaction renewal flow.
func (s *Service) StartRenew(ctx context.Context, req RenewRequest) error {
	name, err := names.Normalize(req.Name)
	if err != nil {
		return err
	}
	if req.DurationYears < 1 {
		return nferr.New(nferr.CodeUsage, "renewal duration must be at least one year")
	}

	info, err := s.oracle.Lookup(ctx, name)
	if err != nil {
		return nferr.Wrap(nferr.CodeUnavailable, "look up name", err)
	}
	if info.Available {
		return nferr.New(nferr.CodeUsage, fmt.Sprintf("%s is not registered, so it cannot be renewed", name))
	}
	cost, err := names.Cost(info.PriceWeiPerYear, req.DurationYears)
	if err != nil {
		return err
	}

	signer, err := s.ownedWallet(ctx, req.Key.UserID, info.Owner, name)
	if err != nil {
		return err
	}
	balance, err := s.reader.NativeBalance(ctx, s.opts.ExecutionChain, signer)
	if err != nil {
		return err
	}
	required := chain.ScaleBps(cost, gasHeadroomBps)
	if balance.Cmp(required) < 0 {
		return nferr.New(nferr.CodeFunds, fmt.Sprintf(
			"renewing %s costs %s ETH but %s only holds %s ETH on %s",
			name, chain.FormatEther(cost), signer.Hex(), chain.FormatEther(balance), s.opts.ExecutionChain.Name))
	}

	if err := s.supersede(ctx, req.Key); err != nil {
		return err
	}
	data := flow.Data{Renew: &flow.RenewData{
		Name:          name,
		DurationYears: req.DurationYears,
		CostWei:       cost.String(),
		CurrentExpiry: info.Expiry,
		OwnerWallet:   signer.Hex(),
	}}
	f := flow.New(req.Key, req.ChannelID, flow.KindRenew, data)
	if err := s.flows.Create(f); err != nil {
		return err
	}

	calldata, err := registrar.EncodeRenew(name, registrar.Duration(req.DurationYears))
	if err != nil {
		return err
	}
	requestID, err := s.correlator.Issue(correlate.KindRenewTx, req.Key, 0)
	if err != nil {
		return err
	}
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   s.opts.ExecutionChain.ID,
		To:        registrar.Controller,
		ValueWei:  cost,
		Data:      calldata,
		Signer:    signer,
		Summary:   fmt.Sprintf("Renew %s for %d year(s), %s ETH", name, req.DurationYears, chain.FormatEther(cost)),
	})
}

func (s *Service) handleRenewResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindRenew || f.Status != flow.StatusPending {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	renew := f.Data.Renew

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.fail(ctx, pending.Key, fmt.Sprintf("Renewal of %s was cancelled. Nothing happened on chain.", renew.Name))
		return nil
	}
	if _, err := s.awaitReceipt(ctx, s.opts.ExecutionChain, common.HexToHash(resp.TxHash)); err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("The renewal transaction for %s did not confirm: %v", renew.Name, err))
		return nil
	}

	newExpiry := extendExpiry(renew.CurrentExpiry, renew.DurationYears)
	f, err = s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Renew.TxHash = resp.TxHash
		d.Renew.NewExpiry = newExpiry
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusComplete); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s renewed for %d year(s).", renew.Name, renew.DurationYears)
	if newExpiry != "" {
		msg = fmt.Sprintf("%s renewed for %d year(s); it now expires %s.", renew.Name, renew.DurationYears, newExpiry)
	}
	return s.messenger.Notify(ctx, f, msg)
}

// ownedWallet finds the user's wallet matching the name's on-chain owner.
func (s *Service) ownedWallet(ctx context.Context, userID, owner, name string) (common.Address, error) {
	wallets, err := s.wallets.Wallets(ctx, userID)
	if err != nil {
		return common.Address{}, err
	}
	for _, addr := range wallets {
		if strings.EqualFold(addr.Hex(), owner) {
			return addr, nil
		}
	}
	return common.Address{}, nferr.New(nferr.CodeForbidden, fmt.Sprintf("%s is owned by %s, which is not one of your wallets", name, owner))
}

func extendExpiry(current string, years int) string {
	if current == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, current)
	if err != nil {
		return ""
	}
	return t.Add(time.Duration(int64(years)*registrar.YearSeconds) * time.Second).UTC().Format(time.RFC3339)
}
