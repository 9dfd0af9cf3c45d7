package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/registrar"
)

type TransferRequest struct {
	Key       flow.Key
	ChannelID string
	Name      string
	Recipient string
	Wrapped   bool
}

// StartTransfer begins a single-transaction ownership transfer flow.
func (s *Service) StartTransfer(ctx context.Context, req TransferRequest) error {
	name, err := names.Normalize(req.Name)
	if err != nil {
		return err
	}
	recipient := strings.TrimSpace(req.Recipient)
	if !common.IsHexAddress(recipient) {
		return nferr.New(nferr.CodeUsage, "recipient is not a valid address")
	}

	info, err := s.oracle.Lookup(ctx, name)
	if err != nil {
		return nferr.Wrap(nferr.CodeUnavailable, "look up name", err)
	}
	if info.Available {
		return nferr.New(nferr.CodeUsage, fmt.Sprintf("%s is not registered, so it cannot be transferred", name))
	}
	signer, err := s.ownedWallet(ctx, req.Key.UserID, info.Owner, name)
	if err != nil {
		return err
	}
	if strings.EqualFold(recipient, signer.Hex()) {
		return nferr.New(nferr.CodeUsage, fmt.Sprintf("%s already owns %s", recipient, name))
	}

	target := registrar.TransferTarget(req.Wrapped)
	calldata, err := registrar.EncodeNameTransfer(name, signer, common.HexToAddress(recipient), req.Wrapped)
	if err != nil {
		return err
	}

	if err := s.supersede(ctx, req.Key); err != nil {
		return err
	}
	data := flow.Data{Transfer: &flow.TransferData{
		Name:           name,
		Recipient:      recipient,
		OwnerWallet:    signer.Hex(),
		Wrapped:        req.Wrapped,
		TargetContract: target.Hex(),
	}}
	f := flow.New(req.Key, req.ChannelID, flow.KindTransfer, data)
	if err := s.flows.Create(f); err != nil {
		return err
	}

	requestID, err := s.correlator.Issue(correlate.KindTransferTx, req.Key, 0)
	if err != nil {
		return err
	}
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   s.opts.ExecutionChain.ID,
		To:        target,
		ValueWei:  big.NewInt(0),
		Data:      calldata,
		Signer:    signer,
		Summary:   fmt.Sprintf("Transfer %s to %s. This cannot be undone.", name, recipient),
	})
}

func (s *Service) handleTransferResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindTransfer || f.Status != flow.StatusPending {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	transfer := f.Data.Transfer

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.fail(ctx, pending.Key, fmt.Sprintf("Transfer of %s was cancelled. You still own it.", transfer.Name))
		return nil
	}
	if _, err := s.awaitReceipt(ctx, s.opts.ExecutionChain, common.HexToHash(resp.TxHash)); err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("The transfer transaction for %s did not confirm: %v", transfer.Name, err))
		return nil
	}

	f, err = s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Transfer.TxHash = resp.TxHash
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusComplete); err != nil {
		return err
	}
	return s.messenger.Notify(ctx, f, fmt.Sprintf("%s now belongs to %s.", transfer.Name, transfer.Recipient))
}
