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

type SubnameRequest struct {
	Key       flow.Key
	ChannelID string
	Name      string // full subname, e.g. pay.vault.eth
	ResolveTo string // address records point at; defaults to the recipient
	Recipient string // final owner; defaults to the parent owner
	Wrapped   bool
}

// StartSubname begins the stepwise subname creation. Every step is signed by
// the parent owner, never the recipient: the recipient may be a contract
// wallet that cannot sign at all, which is why the flow is split into steps
// instead of one atomic assignment.
func (s *Service) StartSubname(ctx context.Context, req SubnameRequest) error {
	full, err := names.Normalize(req.Name)
	if err != nil {
		return err
	}
	label, parent, err := names.SplitSubname(full)
	if err != nil {
		return err
	}

	info, err := s.oracle.Lookup(ctx, parent)
	if err != nil {
		return nferr.Wrap(nferr.CodeUnavailable, "look up parent name", err)
	}
	if info.Available || info.Owner == "" {
		return nferr.New(nferr.CodeUsage, fmt.Sprintf("%s is not registered, so it cannot have subnames", parent))
	}

	wallets, err := s.wallets.Wallets(ctx, req.Key.UserID)
	if err != nil {
		return err
	}
	owner := common.Address{}
	owns := false
	for _, addr := range wallets {
		if strings.EqualFold(addr.Hex(), info.Owner) {
			owner = addr
			owns = true
			break
		}
	}
	if !owns {
		return nferr.New(nferr.CodeForbidden, fmt.Sprintf("%s is owned by %s, which is not one of your wallets", parent, info.Owner))
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = owner.Hex()
	}
	if !common.IsHexAddress(recipient) {
		return nferr.New(nferr.CodeUsage, "recipient is not a valid address")
	}
	resolveTo := strings.TrimSpace(req.ResolveTo)
	if resolveTo == "" {
		resolveTo = recipient
	}
	if !common.IsHexAddress(resolveTo) {
		return nferr.New(nferr.CodeUsage, "resolve target is not a valid address")
	}

	// The step count is decided once, here, and stored. Display and routing
	// rely on it staying fixed for the life of the flow.
	totalSteps := 3
	if strings.EqualFold(recipient, owner.Hex()) {
		totalSteps = 2
	}

	if err := s.supersede(ctx, req.Key); err != nil {
		return err
	}
	data := flow.Data{Subname: &flow.SubnameData{
		Parent:      parent,
		Label:       label,
		FullName:    full,
		ResolveTo:   resolveTo,
		OwnerWallet: owner.Hex(),
		Recipient:   recipient,
		Wrapped:     req.Wrapped,
		TotalSteps:  totalSteps,
		CurrentStep: 1,
	}}
	f := flow.New(req.Key, req.ChannelID, flow.KindSubname, data)
	if err := s.flows.Create(f); err != nil {
		return err
	}
	s.log.WithFields(logFields(req.Key, "subname")).WithField("name", full).Info("subname flow created")
	return s.requestSubnameStep(ctx, req.Key, 1)
}

// requestSubnameStep issues the signing request for one step. Step numbering
// is fixed: 1 creates the subnode, 2 sets the address record, 3 transfers
// ownership to the recipient.
func (s *Service) requestSubnameStep(ctx context.Context, key flow.Key, step int) error {
	f, err := s.flows.Get(key)
	if err != nil {
		return err
	}
	sub := f.Data.Subname
	owner := common.HexToAddress(sub.OwnerWallet)

	var (
		kind     correlate.Kind
		target   common.Address
		calldata []byte
		summary  string
	)
	switch step {
	case 1:
		kind = correlate.KindSubnameStep1
		target = registrar.SubnodeTarget(sub.Wrapped)
		calldata, err = registrar.EncodeCreateSubnode(sub.Parent, sub.Label, owner, registrar.PublicResolver, sub.Wrapped)
		summary = fmt.Sprintf("Create %s (step 1 of %d)", sub.FullName, sub.TotalSteps)
	case 2:
		kind = correlate.KindSubnameStep2
		target = registrar.PublicResolver
		calldata, err = registrar.EncodeSetAddr(sub.FullName, common.HexToAddress(sub.ResolveTo))
		summary = fmt.Sprintf("Point %s at %s (step 2 of %d)", sub.FullName, sub.ResolveTo, sub.TotalSteps)
	case 3:
		kind = correlate.KindSubnameStep3
		target = registrar.SubnodeTarget(sub.Wrapped)
		calldata, err = registrar.EncodeSubnodeTransfer(sub.FullName, owner, common.HexToAddress(sub.Recipient), sub.Wrapped)
		summary = fmt.Sprintf("Hand %s to %s (step 3 of 3)", sub.FullName, sub.Recipient)
	default:
		return nferr.New(nferr.CodeInternal, "subname flow has no such step")
	}
	if err != nil {
		return err
	}

	requestID, err := s.correlator.Issue(kind, key, step)
	if err != nil {
		return err
	}
	return s.txs.RequestTransaction(ctx, f, TxRequest{
		RequestID: requestID,
		ChainID:   s.opts.ExecutionChain.ID,
		To:        target,
		ValueWei:  big.NewInt(0),
		Data:      calldata,
		Signer:    owner,
		Summary:   summary,
	})
}

// handleSubnameResponse confirms one step and advances or completes the flow.
// A rejection reports exactly which prior steps already happened on chain,
// then clears the flow.
func (s *Service) handleSubnameResponse(ctx context.Context, pending correlate.Pending, resp Response) error {
	f, err := s.flows.Get(pending.Key)
	if err != nil {
		return err
	}
	if f.Kind != flow.KindSubname {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	sub := f.Data.Subname
	step := pending.Step
	if statusForStep(step) != f.Status || sub.CurrentStep != step {
		return nferr.New(nferr.CodeExpired, "this prompt has expired")
	}

	if !resp.Approved || strings.TrimSpace(resp.TxHash) == "" {
		s.reportSubnameRejection(ctx, f, step)
		_ = s.correlator.Invalidate(pending.Key)
		return s.flows.Clear(pending.Key)
	}

	if _, err := s.awaitReceipt(ctx, s.opts.ExecutionChain, common.HexToHash(resp.TxHash)); err != nil {
		s.fail(ctx, pending.Key, fmt.Sprintf("Step %d for %s did not confirm: %v", step, sub.FullName, err))
		return nil
	}

	if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Subname.TxHashes = append(d.Subname.TxHashes, resp.TxHash)
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, completeForStep(step)); err != nil {
		return err
	}

	if step >= sub.TotalSteps {
		if completeForStep(step) != flow.StatusComplete {
			if _, err := s.flows.UpdateStatus(pending.Key, flow.StatusComplete); err != nil {
				return err
			}
		}
		_ = s.messenger.Notify(ctx, f, fmt.Sprintf("%s is set up and owned by %s.", sub.FullName, sub.Recipient))
		return nil
	}

	next := step + 1
	if _, err := s.flows.UpdateData(pending.Key, func(d *flow.Data) error {
		d.Subname.CurrentStep = next
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.flows.UpdateStatus(pending.Key, statusForStep(next)); err != nil {
		return err
	}
	return s.requestSubnameStep(ctx, pending.Key, next)
}

func (s *Service) reportSubnameRejection(ctx context.Context, f flow.Flow, step int) {
	sub := f.Data.Subname
	done := make([]string, 0, step-1)
	for i := 1; i < step; i++ {
		switch i {
		case 1:
			done = append(done, fmt.Sprintf("%s was created", sub.FullName))
		case 2:
			done = append(done, fmt.Sprintf("its address record points at %s", sub.ResolveTo))
		}
	}
	msg := fmt.Sprintf("Step %d for %s was not signed, so the flow stops here.", step, sub.FullName)
	if len(done) > 0 {
		msg += " Already done on chain: " + strings.Join(done, "; ") + ". Those effects stand; finish the rest manually if you want them."
	} else {
		msg += " Nothing happened on chain."
	}
	_ = s.messenger.Notify(ctx, f, msg)
}

func statusForStep(step int) flow.Status {
	switch step {
	case 1:
		return flow.StatusStep1Pending
	case 2:
		return flow.StatusStep2Pending
	default:
		return flow.StatusStep3Pending
	}
}

func completeForStep(step int) flow.Status {
	switch step {
	case 1:
		return flow.StatusStep1Complete
	case 2:
		return flow.StatusStep2Complete
	default:
		return flow.StatusComplete
	}
}
