// Package app hosts the flow orchestrators. Every operation reloads its flow
// from the store, applies one step and persists the result before asking the
// user's wallet for anything, so a restart in the middle of a conversation
// resumes exactly where it stopped.
package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/ggonzalez94/nameflow/internal/bridge"
	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/funding"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/registrar"
)

// TxRequest asks a wallet to sign and broadcast one transaction.
type TxRequest struct {
	RequestID string
	ChainID   int64
	To        common.Address
	ValueWei  *big.Int
	Data      []byte
	Signer    common.Address
	Summary   string
}

// ChoiceRequest asks the user to pick one of a fixed set of options.
type ChoiceRequest struct {
	RequestID string
	Prompt    string
	Options   []string
}

// Messenger delivers plain progress and error messages to the conversation.
type Messenger interface {
	Notify(ctx context.Context, f flow.Flow, text string) error
}

// TxRequester delivers signing and selection prompts. Each prompt carries the
// opaque request id a later Response must echo back.
type TxRequester interface {
	RequestTransaction(ctx context.Context, f flow.Flow, req TxRequest) error
	RequestChoice(ctx context.Context, f flow.Flow, req ChoiceRequest) error
}

// WalletDirectory resolves the wallets a user can sign with.
type WalletDirectory interface {
	Wallets(ctx context.Context, userID string) ([]common.Address, error)
}

// Response is an asynchronous wallet or form answer, matched to its prompt by
// request id only.
type Response struct {
	RequestID string
	UserID    string
	Approved  bool
	TxHash    string
	Choice    string
}

type Options struct {
	ExecutionChain chain.Chain
	SourceChain    chain.Chain

	ReceiptInterval time.Duration
	ReceiptTimeout  time.Duration
	// CommitWait is the mandatory pause between the commit receipt and the
	// register request. Defaults to the registry's minimum commitment age;
	// anything shorter makes the reveal revert on chain.
	CommitWait time.Duration

	BridgePollInterval  time.Duration
	BridgePollTimeout   time.Duration
	BalancePollInterval time.Duration
	BalancePollTimeout  time.Duration
}

func (o *Options) fill() {
	if o.ExecutionChain.ID == 0 {
		o.ExecutionChain = chain.Mainnet
	}
	if o.SourceChain.ID == 0 {
		o.SourceChain = chain.Base
	}
	if o.ReceiptInterval <= 0 {
		o.ReceiptInterval = 3 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 2 * time.Minute
	}
	if o.CommitWait <= 0 {
		o.CommitWait = registrar.MinCommitAge
	}
	if o.BridgePollInterval <= 0 {
		o.BridgePollInterval = 5 * time.Second
	}
	if o.BridgePollTimeout <= 0 {
		o.BridgePollTimeout = 5 * time.Minute
	}
	if o.BalancePollInterval <= 0 {
		o.BalancePollInterval = 10 * time.Second
	}
	if o.BalancePollTimeout <= 0 {
		o.BalancePollTimeout = 2 * time.Minute
	}
}

type Service struct {
	log        *logrus.Logger
	flows      *flow.Store
	correlator *correlate.Correlator
	planner    *funding.Planner
	oracle     names.Oracle
	bridge     *bridge.Client
	reader     chain.Reader
	wallets    WalletDirectory
	messenger  Messenger
	txs        TxRequester
	opts       Options
}

func New(
	log *logrus.Logger,
	flows *flow.Store,
	correlator *correlate.Correlator,
	planner *funding.Planner,
	oracle names.Oracle,
	bridgeClient *bridge.Client,
	reader chain.Reader,
	wallets WalletDirectory,
	messenger Messenger,
	txs TxRequester,
	opts Options,
) *Service {
	opts.fill()
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		log:        log,
		flows:      flows,
		correlator: correlator,
		planner:    planner,
		oracle:     oracle,
		bridge:     bridgeClient,
		reader:     reader,
		wallets:    wallets,
		messenger:  messenger,
		txs:        txs,
		opts:       opts,
	}
}

// supersede enforces the one-active-operation rule: a new command wins over
// whatever the user had in flight, in this thread or any other. Superseded
// flows are cleared and their outstanding prompts invalidated.
func (s *Service) supersede(ctx context.Context, key flow.Key) error {
	threads, err := s.flows.ThreadsForUser(key.UserID)
	if err != nil {
		return err
	}
	for _, threadID := range threads {
		old := flow.Key{UserID: key.UserID, ThreadID: threadID}
		prev, err := s.flows.Get(old)
		if err != nil {
			if nferr.HasCode(err, nferr.CodeNotFound) {
				continue
			}
			return err
		}
		if err := s.correlator.Invalidate(old); err != nil {
			return err
		}
		if err := s.flows.Clear(old); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"user":   key.UserID,
			"thread": threadID,
			"kind":   prev.Kind,
			"status": prev.Status,
		}).Info("superseded active flow")
		if threadID != key.ThreadID {
			_ = s.messenger.Notify(ctx, prev, "This operation was cancelled because you started a new one elsewhere.")
		}
	}
	return nil
}

// fail moves the flow to its failed terminal state, invalidates outstanding
// prompts and tells the user why.
func (s *Service) fail(ctx context.Context, key flow.Key, reason string) {
	_ = s.correlator.Invalidate(key)
	f, err := s.flows.UpdateStatus(key, flow.StatusFailed)
	if err != nil {
		s.log.WithError(err).Warn("mark flow failed")
		f, err = s.flows.Get(key)
		if err != nil {
			return
		}
	}
	_ = s.messenger.Notify(ctx, f, reason)
}

// clearWithMessage removes the flow entirely. Used where an attempt is over
// and keeping a terminal record would serve nothing, such as funding errors.
func (s *Service) clearWithMessage(ctx context.Context, key flow.Key, reason string) {
	_ = s.correlator.Invalidate(key)
	f, err := s.flows.Get(key)
	if err == nil {
		_ = s.messenger.Notify(ctx, f, reason)
	}
	if err := s.flows.Clear(key); err != nil {
		s.log.WithError(err).Warn("clear flow")
	}
}

func logFields(key flow.Key, kind string) logrus.Fields {
	return logrus.Fields{"user": key.UserID, "thread": key.ThreadID, "kind": kind}
}

// awaitReceipt polls for a mined receipt until the timeout. A reverted
// transaction is an error, not a retry.
func (s *Service) awaitReceipt(ctx context.Context, c chain.Chain, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(s.opts.ReceiptTimeout)
	for {
		receipt, err := s.reader.TransactionReceipt(ctx, c, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, nferr.New(nferr.CodeUnavailable, "the transaction reverted on chain")
			}
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, nferr.New(nferr.CodeUnavailable, "timed out waiting for the transaction to be mined")
		}
		if err := sleep(ctx, s.opts.ReceiptInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return nferr.Wrap(nferr.CodeUnavailable, "interrupted while waiting", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
