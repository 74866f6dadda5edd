// Package agent keeps a per-pair chat with the trading assistant and the
// assistant's current directional call on the pair.
//
// Conversations are persisted in the key/value store under
// agent_chat_<BASE>_<QUOTE>. Switching the selected pair switches the
// conversation the service answers for.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pair"
	"github.com/pearfect/engine/internal/store"
)

// ErrEmptyMessage is returned when a user message has no content.
var ErrEmptyMessage = errors.New("agent: message is empty")

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Direction is the assistant's call on the pair ratio.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prediction is the assistant's current call.
type Prediction struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // 0..1
	AsOf       time.Time `json:"asOf"`
}

// Conversation is the persisted chat for one pair.
type Conversation struct {
	Pair       model.SelectedPair `json:"pair"`
	Messages   []Message          `json:"messages"`
	Prediction Prediction         `json:"prediction"`
}

// Reply is a responder's answer to the latest user message.
type Reply struct {
	Text       string
	Prediction Prediction
}

// Responder produces assistant replies. history ends with the user
// message being answered.
type Responder interface {
	Reply(ctx context.Context, p model.SelectedPair, history []Message, current Prediction) (Reply, error)
}

const (
	initialConfidence = 0.65
	resetConfidence   = 0.5
)

// Service answers chat messages and persists conversations.
type Service struct {
	store     store.Store
	responder Responder
	fallback  Responder
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	active model.SelectedPair

	// chats holds one *sync.Mutex per chat key; a send holds it from
	// load to save so concurrent messages are never lost.
	chats sync.Map
}

// NewService creates a chat service. When primary fails, fallback answers
// instead; pass the same responder twice to disable fallback.
func NewService(st store.Store, primary, fallback Responder, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		responder: primary,
		fallback:  fallback,
		clock:     clk,
		logger:    logger,
		active:    pair.Default,
	}
}

// Follow tracks the selected pair from a state snapshot. Use it as a
// state subscriber.
func (s *Service) Follow(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.SelectedPair == s.active {
		return
	}
	s.logger.Info("agent chat re-keyed",
		"from", pair.ChatKey(s.active),
		"to", pair.ChatKey(snap.SelectedPair),
	)
	s.active = snap.SelectedPair
}

// Active returns the pair the service currently answers for.
func (s *Service) Active() model.SelectedPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversation loads the chat for p. A missing or unreadable record
// yields an empty chat.
func (s *Service) Conversation(ctx context.Context, p model.SelectedPair) (Conversation, error) {
	if err := pair.Validate(p); err != nil {
		return Conversation{}, err
	}
	return s.load(ctx, p), nil
}

// Send appends content as a user message, obtains a reply and persists
// the updated conversation.
func (s *Service) Send(ctx context.Context, p model.SelectedPair, content string) (Conversation, error) {
	if err := pair.Validate(p); err != nil {
		return Conversation{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Conversation{}, ErrEmptyMessage
	}

	unlock := s.lockChat(p)
	defer unlock()

	conv := s.load(ctx, p)
	conv.Messages = append(conv.Messages, Message{Role: RoleUser, Content: content})

	reply, err := s.responder.Reply(ctx, p, conv.Messages, conv.Prediction)
	if err != nil {
		s.logger.Warn("agent responder failed, using fallback", "pair", pair.Symbol(p), "err", err)
		reply, err = s.fallback.Reply(ctx, p, conv.Messages, conv.Prediction)
		if err != nil {
			return Conversation{}, fmt.Errorf("agent: reply: %w", err)
		}
	}

	conv.Messages = append(conv.Messages, Message{Role: RoleAssistant, Content: reply.Text})
	conv.Prediction = reply.Prediction
	s.save(ctx, conv)
	return conv, nil
}

// Reset deletes the chat for p and returns the fresh conversation.
func (s *Service) Reset(ctx context.Context, p model.SelectedPair) (Conversation, error) {
	if err := pair.Validate(p); err != nil {
		return Conversation{}, err
	}
	unlock := s.lockChat(p)
	defer unlock()

	if err := s.store.Delete(ctx, pair.ChatKey(p)); err != nil {
		s.logger.Error("agent chat delete failed", "key", pair.ChatKey(p), "err", err)
	}
	conv := s.empty(p)
	conv.Prediction.Confidence = resetConfidence
	return conv, nil
}

func (s *Service) lockChat(p model.SelectedPair) func() {
	m, _ := s.chats.LoadOrStore(pair.ChatKey(p), &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) empty(p model.SelectedPair) Conversation {
	return Conversation{
		Pair:     p,
		Messages: []Message{},
		Prediction: Prediction{
			Direction:  Up,
			Confidence: initialConfidence,
			AsOf:       s.clock.Now().UTC(),
		},
	}
}

func (s *Service) load(ctx context.Context, p model.SelectedPair) Conversation {
	key := pair.ChatKey(p)
	raw, err := s.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("agent chat load failed", "key", key, "err", err)
		}
		return s.empty(p)
	}
	conv := s.empty(p)
	if err := json.Unmarshal(raw, &conv); err != nil {
		s.logger.Warn("agent chat corrupt, starting over", "key", key, "err", err)
		return s.empty(p)
	}
	conv.Pair = p
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return conv
}

func (s *Service) save(ctx context.Context, conv Conversation) {
	key := pair.ChatKey(conv.Pair)
	raw, err := json.Marshal(conv)
	if err != nil {
		s.logger.Error("agent chat encode failed", "key", key, "err", err)
		return
	}
	if err := s.store.Save(ctx, key, raw); err != nil {
		s.logger.Error("agent chat save failed", "key", key, "err", err)
	}
}
