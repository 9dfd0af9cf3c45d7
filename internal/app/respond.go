package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
)

// HandleResponse is the single entry point for asynchronous wallet and form
// answers. Resolution comes first: a response that does not decode to a live
// prompt and an active flow must not advance any state machine. If such a
// response carries a transaction hash the broadcast is acknowledged, since
// funds may have moved, but no flow is touched.
func (s *Service) HandleResponse(ctx context.Context, resp Response) error {
	pending, err := s.correlator.Resolve(resp.RequestID, resp.UserID)
	if err != nil {
		if nferr.HasCode(err, nferr.CodeExpired) || nferr.HasCode(err, nferr.CodeForbidden) {
			s.log.WithFields(logrus.Fields{
				"request_id": resp.RequestID,
				"user":       resp.UserID,
			}).WithError(err).Info("dropping unresolvable response")
			if strings.TrimSpace(resp.TxHash) != "" {
				ack := flow.Flow{UserID: resp.UserID}
				_ = s.messenger.Notify(ctx, ack, fmt.Sprintf(
					"Transaction %s was broadcast, but the operation it belonged to is no longer active.", resp.TxHash))
			}
			return nil
		}
		return err
	}

	switch pending.Kind {
	case correlate.KindDuration:
		err = s.handleDurationChoice(ctx, pending, resp)
	case correlate.KindWalletSelect:
		err = s.handleWalletChoice(ctx, pending, resp)
	case correlate.KindCommitTx:
		err = s.handleCommitResponse(ctx, pending, resp)
	case correlate.KindRegisterTx:
		err = s.handleRegisterResponse(ctx, pending, resp)
	case correlate.KindBridgeDeposit:
		err = s.handleDepositResponse(ctx, pending, resp)
	case correlate.KindSubnameStep1, correlate.KindSubnameStep2, correlate.KindSubnameStep3:
		err = s.handleSubnameResponse(ctx, pending, resp)
	case correlate.KindRenewTx:
		err = s.handleRenewResponse(ctx, pending, resp)
	case correlate.KindTransferTx:
		err = s.handleTransferResponse(ctx, pending, resp)
	default:
		err = nferr.New(nferr.CodeInternal, fmt.Sprintf("no handler for prompt kind %q", pending.Kind))
	}
	if err != nil {
		return err
	}
	// The prompt is answered; drop its record so a replay of the same
	// request id cannot run the handler a second time. A handler error
	// leaves the record live so the user may retry the same prompt.
	if err := s.correlator.Consume(resp.RequestID); err != nil {
		s.log.WithField("request_id", resp.RequestID).WithError(err).Warn("consume pending interaction")
	}
	return nil
}
