// Package correlate issues and validates the opaque request ids that tie an
// asynchronous wallet response back to the flow, user and step that asked for
// it. A response whose id does not decode to a live pending record and an
// active flow is stale or foreign and must not advance any state machine.
package correlate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggonzalez94/nameflow/internal/cache"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
)

// Kind tags what a pending interaction is waiting for.
type Kind string

const (
	KindCommitTx      Kind = "regcommit"
	KindRegisterTx    Kind = "regreveal"
	KindBridgeDeposit Kind = "bridge"
	KindSubnameStep1  Kind = "sub1"
	KindSubnameStep2  Kind = "sub2"
	KindSubnameStep3  Kind = "sub3"
	KindRenewTx       Kind = "renew"
	KindTransferTx    Kind = "transfer"
	KindWalletSelect  Kind = "wallet"
	KindDuration      Kind = "duration"
)

const idPrefix = "nfr1"

// Pending is the ephemeral correlation record persisted alongside each
// outbound signing or form request.
type Pending struct {
	RequestID      string   `json:"request_id"`
	Kind           Kind     `json:"kind"`
	ExpectedUserID string   `json:"expected_user_id"`
	Key            flow.Key `json:"key"`
	Step           int      `json:"step"`
	IssuedAt       string   `json:"issued_at"`
}

// FlowGetter is the slice of the flow store the correlator needs.
type FlowGetter interface {
	Get(key flow.Key) (flow.Flow, error)
}

type Correlator struct {
	flows   FlowGetter
	pending *cache.Store
	ttl     time.Duration
}

// PendingTTL bounds how long a request id stays resolvable. It matches the
// registrar's commitment validity window: nothing older than that can be
// acted on anyway.
const PendingTTL = 24 * time.Hour

func New(flows FlowGetter, pending *cache.Store) *Correlator {
	return &Correlator{flows: flows, pending: pending, ttl: PendingTTL}
}

// Issue returns an opaque request id encoding kind, user, thread and a
// uniqueness token, and persists the matching pending record.
func (c *Correlator) Issue(kind Kind, key flow.Key, step int) (string, error) {
	token := uuid.NewString()
	requestID := strings.Join([]string{
		idPrefix,
		string(kind),
		encodePart(key.UserID),
		encodePart(key.ThreadID),
		token,
	}, ".")

	record := Pending{
		RequestID:      requestID,
		Kind:           kind,
		ExpectedUserID: key.UserID,
		Key:            key,
		Step:           step,
		IssuedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return "", nferr.Wrap(nferr.CodeInternal, "marshal pending interaction", err)
	}
	if err := c.pending.Set(pendingKey(key, token), buf, c.ttl); err != nil {
		return "", nferr.Wrap(nferr.CodeInternal, "persist pending interaction", err)
	}
	return requestID, nil
}

// Resolve validates a response's request id against the responding user, the
// pending record and the flow store. Anything that does not line up resolves
// as expired or forbidden; callers must not mutate state on either.
func (c *Correlator) Resolve(requestID, respondingUserID string) (Pending, error) {
	kind, key, token, err := decode(requestID)
	if err != nil {
		return Pending{}, err
	}
	if key.UserID != respondingUserID {
		return Pending{}, nferr.New(nferr.CodeForbidden, "this prompt belongs to another user")
	}

	res, err := c.pending.Get(pendingKey(key, token))
	if err != nil {
		return Pending{}, nferr.Wrap(nferr.CodeInternal, "read pending interaction", err)
	}
	if !res.Hit || res.Stale {
		return Pending{}, nferr.New(nferr.CodeExpired, "this prompt has expired")
	}
	var record Pending
	if err := json.Unmarshal(res.Value, &record); err != nil {
		return Pending{}, nferr.Wrap(nferr.CodeInternal, "decode pending interaction", err)
	}
	if record.Kind != kind {
		return Pending{}, nferr.New(nferr.CodeExpired, "this prompt has expired")
	}

	f, err := c.flows.Get(key)
	if err != nil {
		if nferr.HasCode(err, nferr.CodeNotFound) {
			return Pending{}, nferr.New(nferr.CodeExpired, "no active operation remains for this prompt")
		}
		return Pending{}, err
	}
	if f.Status.Terminal() {
		return Pending{}, nferr.New(nferr.CodeExpired, "no active operation remains for this prompt")
	}
	return record, nil
}

// Consume drops the pending record behind a dispatched response so the same
// prompt cannot be answered twice. Replays resolve as expired afterwards.
func (c *Correlator) Consume(requestID string) error {
	_, key, token, err := decode(requestID)
	if err != nil {
		return err
	}
	if err := c.pending.Delete(pendingKey(key, token)); err != nil {
		return nferr.Wrap(nferr.CodeInternal, "consume pending interaction", err)
	}
	return nil
}

// Invalidate drops every pending interaction for the key. Called on
// cancellation and supersession so late responses resolve as expired.
func (c *Correlator) Invalidate(key flow.Key) error {
	if err := c.pending.DeletePrefix(keyPrefix(key)); err != nil {
		return nferr.Wrap(nferr.CodeInternal, "invalidate pending interactions", err)
	}
	return nil
}

func pendingKey(key flow.Key, token string) string {
	return keyPrefix(key) + token
}

func keyPrefix(key flow.Key) string {
	return fmt.Sprintf("req.%s.%s.", encodePart(key.UserID), encodePart(key.ThreadID))
}

func encodePart(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

func decode(requestID string) (Kind, flow.Key, string, error) {
	parts := strings.Split(strings.TrimSpace(requestID), ".")
	if len(parts) != 5 || parts[0] != idPrefix {
		return "", flow.Key{}, "", nferr.New(nferr.CodeExpired, "unrecognized prompt id")
	}
	user, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", flow.Key{}, "", nferr.New(nferr.CodeExpired, "unrecognized prompt id")
	}
	thread, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", flow.Key{}, "", nferr.New(nferr.CodeExpired, "unrecognized prompt id")
	}
	return Kind(parts[1]), flow.Key{UserID: string(user), ThreadID: string(thread)}, parts[4], nil
}
