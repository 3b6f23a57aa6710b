// Package signaling gives the call slot in the mailbox a typed shape: one
// CallSignal record plus one candidate log per role and call.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/mailbox"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

const (
	fieldCallID = "callId"
	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

var (
	// ErrConflict means the record was deleted or replaced by another call
	// while we were about to patch it. Callers treat it as a cancellation.
	ErrConflict = errors.New("signaling: call signal changed concurrently")
	// ErrMalformed means the stored record does not have a valid shape.
	ErrMalformed = errors.New("signaling: malformed call signal")
)

// Channel is the typed view of one call slot.
type Channel struct {
	store mailbox.Store
	key   string
	log   zerolog.Logger
}

func NewChannel(store mailbox.Store, key string, logger zerolog.Logger) *Channel {
	return &Channel{
		store: store,
		key:   key,
		log:   logger.With().Str("component", "signal-channel").Str("slot", key).Logger(),
	}
}

// Key is the mailbox key of the call signal record.
func (c *Channel) Key() string { return c.key }

func (c *Channel) logKey(callID string, role models.Role) string {
	return fmt.Sprintf("%s:%s:%s", c.key, callID, role.LogName())
}

// Publish creates or overwrites the record with a fresh offer.
func (c *Channel) Publish(ctx context.Context, sig models.CallSignal) error {
	if sig.Offer == nil {
		return fmt.Errorf("%w: publish requires an offer", ErrMalformed)
	}
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	doc, err := encode(sig)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, c.key, doc)
}

// Patch merges the fields present in partial into the record that carries
// callID. It fails with ErrConflict when the record is gone or belongs to
// another call.
func (c *Channel) Patch(ctx context.Context, callID string, partial models.CallSignal) error {
	partial.CallID = ""
	fields, err := encode(partial)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	expect, err := encode(models.CallSignal{CallID: callID})
	if err != nil {
		return err
	}

	err = c.store.Merge(ctx, c.key, expect, fields)
	if errors.Is(err, mailbox.ErrNotFound) || errors.Is(err, mailbox.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Fetch reads the record once. A nil signal means the slot is free.
func (c *Channel) Fetch(ctx context.Context) (*models.CallSignal, error) {
	doc, err := c.store.Get(ctx, c.key)
	if errors.Is(err, mailbox.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// Subscribe delivers the current record and every later state of it. A nil
// value means the record is absent. Malformed states are logged and skipped.
func (c *Channel) Subscribe(ctx context.Context) (*mailbox.Subscription[*models.CallSignal], error) {
	src, err := c.store.Watch(ctx, c.key)
	if err != nil {
		return nil, err
	}
	return mailbox.Map(ctx, src, func(doc mailbox.Document) (*models.CallSignal, bool) {
		if doc == nil {
			return nil, true
		}
		sig, err := decode(doc)
		if err != nil {
			c.log.Warn().Err(err).Msg("Ignoring malformed call signal")
			return nil, false
		}
		return sig, true
	}), nil
}

// Clear deletes the record and the candidate logs of the call it holds.
// Clearing an absent record succeeds.
func (c *Channel) Clear(ctx context.Context) error {
	keys := []string{c.key}

	doc, err := c.store.Get(ctx, c.key)
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		return nil
	case err != nil:
		c.log.Debug().Err(err).Msg("Could not read record before clearing, logs left to expire")
	default:
		var callID string
		if raw, ok := doc[fieldCallID]; ok && json.Unmarshal(raw, &callID) == nil && callID != "" {
			keys = append(keys, c.logKey(callID, models.RoleOriginator), c.logKey(callID, models.RoleResponder))
		}
	}
	return c.store.Delete(ctx, keys...)
}

// Retract deletes the record and its logs only while it still carries
// callID, so a participant never removes a call it does not own. It reports
// whether the record was deleted.
func (c *Channel) Retract(ctx context.Context, callID string) (bool, error) {
	expect, err := encode(models.CallSignal{CallID: callID})
	if err != nil {
		return false, err
	}
	return c.store.DeleteIf(ctx, c.key, expect,
		c.logKey(callID, models.RoleOriginator), c.logKey(callID, models.RoleResponder))
}

// Discard deletes both candidate logs of callID without touching the record.
func (c *Channel) Discard(ctx context.Context, callID string) error {
	return c.store.Delete(ctx, c.logKey(callID, models.RoleOriginator), c.logKey(callID, models.RoleResponder))
}

func (c *Channel) AppendCandidate(ctx context.Context, callID string, role models.Role, cand models.CandidateRecord) error {
	if err := cand.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.store.Append(ctx, c.logKey(callID, role), data)
}

// SubscribeCandidates follows the candidate log written by role for callID.
func (c *Channel) SubscribeCandidates(ctx context.Context, callID string, role models.Role) (*mailbox.Subscription[models.CandidateRecord], error) {
	src, err := c.store.Tail(ctx, c.logKey(callID, role))
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str("call_id", callID).Str("role", string(role)).Logger()
	return mailbox.Map(ctx, src, func(data []byte) (models.CandidateRecord, bool) {
		var cand models.CandidateRecord
		if err := json.Unmarshal(data, &cand); err != nil {
			log.Warn().Err(err).Msg("Ignoring undecodable candidate")
			return cand, false
		}
		if err := cand.Validate(); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid candidate")
			return cand, false
		}
		return cand, true
	}), nil
}

func encode(sig models.CallSignal) (mailbox.Document, error) {
	doc := mailbox.Document{}
	put := func(field string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", field, err)
		}
		doc[field] = raw
		return nil
	}

	if sig.CallID != "" {
		if err := put(fieldCallID, sig.CallID); err != nil {
			return nil, err
		}
	}
	if sig.Offer != nil {
		if err := put(fieldOffer, sig.Offer); err != nil {
			return nil, err
		}
	}
	if sig.Answer != nil {
		if err := put(fieldAnswer, sig.Answer); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func decode(doc mailbox.Document) (*models.CallSignal, error) {
	var sig models.CallSignal
	if raw, ok := doc[fieldCallID]; ok {
		if err := json.Unmarshal(raw, &sig.CallID); err != nil {
			return nil, fmt.Errorf("%w: callId: %v", ErrMalformed, err)
		}
	}
	if raw, ok := doc[fieldOffer]; ok {
		sig.Offer = &models.Offer{}
		if err := json.Unmarshal(raw, sig.Offer); err != nil {
			return nil, fmt.Errorf("%w: offer: %v", ErrMalformed, err)
		}
	}
	if raw, ok := doc[fieldAnswer]; ok {
		sig.Answer = &models.Answer{}
		if err := json.Unmarshal(raw, sig.Answer); err != nil {
			return nil, fmt.Errorf("%w: answer: %v", ErrMalformed, err)
		}
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &sig, nil
}
