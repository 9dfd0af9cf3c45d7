package app

import (
	"context"
	"fmt"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
)

// Cancel aborts whatever flow occupies the conversation, from any non-terminal
// status. The flow and every outstanding prompt for the key are removed, so a
// late wallet response resolves as expired instead of resuming anything.
func (s *Service) Cancel(ctx context.Context, key flow.Key) error {
	f, err := s.flows.Get(key)
	if err != nil {
		if nferr.HasCode(err, nferr.CodeNotFound) {
			return nferr.New(nferr.CodeNotFound, "nothing to cancel in this conversation")
		}
		return err
	}

	if err := s.correlator.Invalidate(key); err != nil {
		return err
	}
	if err := s.flows.Clear(key); err != nil {
		return err
	}
	s.log.WithFields(logFields(key, string(f.Kind))).WithField("status", f.Status).Info("flow cancelled")
	return s.messenger.Notify(ctx, f, fmt.Sprintf("Cancelled the %s operation. Anything already confirmed on chain stays as it is.", f.Kind))
}
