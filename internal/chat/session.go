// Package chat runs one end-to-end encrypted conversation: it loads and
// decrypts history, follows the live channel, and sends new messages through
// the store before announcing them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/petbuddy/internal/chatcrypto"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/pubsub"
)

type Status string

const (
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
	StatusClosed   Status = "closed"
)

var (
	ErrEmptyMessage  = errors.New("chat: empty message")
	ErrSessionClosed = errors.New("chat: session closed")
)

type IdentityProvider interface {
	Identity(ctx context.Context) (models.Participant, error)
}

// MessageStore keeps envelopes per room in insertion order and assigns ids
// and timestamps on append.
type MessageStore interface {
	FetchEnvelopes(ctx context.Context, roomID string) ([]models.StoredEnvelope, error)
	AppendEnvelope(ctx context.Context, env models.StoredEnvelope) (models.StoredEnvelope, error)
}

type Config struct {
	RoomID   string
	Identity IdentityProvider
	Store    MessageStore
	Channel  pubsub.Channel
	Logger   *slog.Logger
}

type Session struct {
	room    string
	me      models.Participant
	key     *chatcrypto.Key
	store   MessageStore
	channel pubsub.Channel
	sub     *pubsub.Subscription
	logger  *slog.Logger
	now     func() time.Time

	updates  chan struct{}
	loopDone chan struct{}

	mu         sync.Mutex
	transcript []models.ChatRecord
	status     Status
	err        error
	draft      string
	closed     bool
}

// Open returns a ready session or an error; on error nothing is left
// subscribed.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("chat: %w", chatcrypto.ErrEmptyRoomID)
	}
	logger := logging.OrDefault(cfg.Logger).With("room", cfg.RoomID)

	me, err := cfg.Identity.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: identity: %w", err)
	}

	key, err := chatcrypto.DeriveKey(cfg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("chat: %w: %w", chatcrypto.ErrCryptoUnavailable, err)
	}

	history, err := cfg.Store.FetchEnvelopes(ctx, cfg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("chat: fetch history: %w", err)
	}
	metrics.HistoryFetchedTotal.Inc()

	s := &Session{
		room:     cfg.RoomID,
		me:       me,
		key:      key,
		store:    cfg.Store,
		channel:  cfg.Channel,
		logger:   logger,
		now:      time.Now,
		updates:  make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		status:   StatusLoading,
	}

	s.transcript = make([]models.ChatRecord, 0, len(history))
	for _, env := range history {
		rec, err := s.open(env)
		if err != nil {
			metrics.DecryptFailuresTotal.WithLabelValues("history").Inc()
			logger.Warn("chat: dropping undecryptable history entry", "envelope", env.ID, "error", err)
			continue
		}
		s.transcript = append(s.transcript, rec)
	}

	sub, err := cfg.Channel.Subscribe(ctx, cfg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("chat: subscribe: %w", err)
	}
	s.sub = sub
	s.status = StatusReady

	go s.receive()
	logger.Debug("chat: session ready", "history", len(s.transcript))
	return s, nil
}

func (s *Session) open(env models.StoredEnvelope) (models.ChatRecord, error) {
	body, err := s.key.Decrypt(env.EncryptedMessage)
	if err != nil {
		return models.ChatRecord{}, err
	}
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	return models.ChatRecord{
		LocalID:    id,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		Body:       body,
		Timestamp:  env.CreatedAt,
		State:      models.RecordConfirmed,
	}, nil
}

func (s *Session) receive() {
	defer close(s.loopDone)

	for ev := range s.sub.C {
		if ev.Kind != pubsub.KindMessage {
			continue
		}
		var env models.StoredEnvelope
		if err := ev.Decode(&env); err != nil {
			metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
			s.logger.Warn("chat: dropping malformed event", "error", err)
			continue
		}
		if env.TicketID != "" && env.TicketID != s.room {
			continue
		}
		rec, err := s.open(env)
		if err != nil {
			metrics.DecryptFailuresTotal.WithLabelValues("live").Inc()
			s.logger.Warn("chat: dropping undecryptable message", "envelope", env.ID, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.transcript = append(s.transcript, rec)
		s.notifyLocked()
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	cause := s.sub.Err()
	if cause == nil {
		cause = pubsub.ErrClosed
	}
	s.degradeLocked(fmt.Errorf("%w: %v", pubsub.ErrChannelUnavailable, cause))
}

// Send encrypts text, stores it and then announces it. The entry shows up
// as provisional right away and is removed again if the store refuses it.
// A failed announcement leaves the stored message confirmed and marks the
// session degraded.
func (s *Session) Send(ctx context.Context, text string) (models.ChatRecord, error) {
	if strings.TrimSpace(text) == "" {
		return models.ChatRecord{}, ErrEmptyMessage
	}
	if s.isClosed() {
		return models.ChatRecord{}, ErrSessionClosed
	}

	env, err := s.key.Encrypt(text)
	if err != nil {
		return models.ChatRecord{}, fmt.Errorf("chat: encrypt: %w", err)
	}

	rec := models.ChatRecord{
		LocalID:    uuid.NewString(),
		SenderID:   s.me.ID,
		SenderName: s.me.Name,
		Body:       text,
		Timestamp:  s.now(),
		State:      models.RecordProvisional,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatRecord{}, ErrSessionClosed
	}
	s.transcript = append(s.transcript, rec)
	s.notifyLocked()
	s.mu.Unlock()

	stored, err := s.store.AppendEnvelope(ctx, models.StoredEnvelope{
		TicketID:         s.room,
		SenderID:         s.me.ID,
		SenderName:       s.me.Name,
		EncryptedMessage: env,
	})
	if err != nil {
		s.mu.Lock()
		if !s.closed {
			s.removeLocked(rec.LocalID)
			s.notifyLocked()
		}
		s.mu.Unlock()
		return models.ChatRecord{}, fmt.Errorf("chat: store message: %w", err)
	}
	metrics.EnvelopesStoredTotal.Inc()

	rec.State = models.RecordConfirmed
	if !stored.CreatedAt.IsZero() {
		rec.Timestamp = stored.CreatedAt
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rec, nil
	}
	s.replaceLocked(rec)
	s.notifyLocked()
	s.mu.Unlock()

	ev, err := pubsub.NewEvent(pubsub.KindMessage, stored)
	if err == nil {
		err = s.channel.Publish(ctx, s.room, ev)
	}
	if err != nil {
		s.logger.Warn("chat: message stored but not announced", "error", err)
		s.mu.Lock()
		if !s.closed {
			s.degradeLocked(fmt.Errorf("%w: %v", pubsub.ErrChannelUnavailable, err))
		}
		s.mu.Unlock()
	}
	return rec, nil
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.draft = text
	s.notifyLocked()
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SendDraft sends the current draft and clears it on success. On failure
// the draft is kept so the user can retry.
func (s *Session) SendDraft(ctx context.Context) (models.ChatRecord, error) {
	draft := s.Draft()
	rec, err := s.Send(ctx, draft)
	if err != nil {
		return rec, err
	}
	s.mu.Lock()
	if !s.closed && s.draft == draft {
		s.draft = ""
		s.notifyLocked()
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *Session) Transcript() []models.ChatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatRecord, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Updates signals transcript, draft and status changes. Signals coalesce;
// the channel is closed by Close.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err is the reason the session is degraded, if it is.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Room() string { return s.room }

func (s *Session) Me() models.Participant { return s.me }

// Close releases the subscription. After it returns the transcript no
// longer changes and no more updates are signalled.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = StatusClosed
	s.mu.Unlock()

	s.sub.Cancel()
	<-s.loopDone
	close(s.updates)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) degradeLocked(err error) {
	s.status = StatusDegraded
	s.err = err
	s.notifyLocked()
}

func (s *Session) removeLocked(localID string) {
	for i, r := range s.transcript {
		if r.LocalID == localID {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
			return
		}
	}
}

func (s *Session) replaceLocked(rec models.ChatRecord) {
	for i, r := range s.transcript {
		if r.LocalID == rec.LocalID {
			s.transcript[i] = rec
			return
		}
	}
}
