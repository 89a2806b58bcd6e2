// Package chat is the application context of a chatsync client. It owns the one
// action queue of the process and wires it through the cache, the realtime
// session and the reconciliation tracker.
//
//	svc := chat.New(chat.Config{UserID: me.ID, Realtime: rtCfg}, store, client, provider)
//	svc.OnEvent(func(ev chat.Event) { ... })
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Stop()
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/backend"
	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/convert"
	"github.com/LuminPulse-AI/chatsync/model"
	"github.com/LuminPulse-AI/chatsync/queue"
	"github.com/LuminPulse-AI/chatsync/realtime"
	"github.com/LuminPulse-AI/chatsync/reconcile"
)

// Backend is what the service needs from the HTTP API. *backend.Client
// implements it.
type Backend interface {
	reconcile.Fetcher
	Me(ctx context.Context) (*model.User, error)
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
	LeaveConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, req backend.SendRequest) (*model.Message, error)
}

var _ Backend = (*backend.Client)(nil)

var ErrNoUser = errors.New("chat: user id is required")

type Config struct {
	// UserID owns every cached row.
	UserID            string
	Realtime          realtime.Config
	ReconcileInterval time.Duration
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.base = logger }
}

// WithQueue shares an existing queue instead of creating one.
func WithQueue(q *queue.Queue) Option {
	return func(s *Service) { s.queue = q }
}

// WithRealtimeOptions passes options to the realtime session.
func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(s *Service) { s.rtOpts = append(s.rtOpts, opts...) }
}

// Service keeps the local cache of one signed-in user in sync.
type Service struct {
	emitter

	cfg     Config
	store   cache.Store
	backend Backend
	queue   *queue.Queue
	session *realtime.Session
	tracker *reconcile.Tracker
	rtOpts  []realtime.Option
	base    zerolog.Logger
	logger  zerolog.Logger
}

func New(cfg Config, store cache.Store, be Backend, creds auth.CredentialProvider, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		backend: be,
		base:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.base.With().Str("component", "chat").Str("user", cfg.UserID).Logger()
	s.emitter.logger = &s.logger

	if s.queue == nil {
		s.queue = queue.New(queue.WithLogger(s.base))
	}
	trackerOpts := []reconcile.Option{reconcile.WithLogger(s.base)}
	if cfg.ReconcileInterval > 0 {
		trackerOpts = append(trackerOpts, reconcile.WithInterval(cfg.ReconcileInterval))
	}
	s.tracker = reconcile.New(store, s.queue, be, trackerOpts...)

	rtOpts := append([]realtime.Option{
		realtime.WithLogger(s.base),
		realtime.WithUnsync(s.Unsync),
	}, s.rtOpts...)
	s.session = realtime.New(cfg.Realtime, creds, rtOpts...)
	return s
}

func (s *Service) Queue() *queue.Queue         { return s.queue }
func (s *Service) Session() *realtime.Session  { return s.session }
func (s *Service) Tracker() *reconcile.Tracker { return s.tracker }
func (s *Service) Store() cache.Store          { return s.store }

// ============================================================================
// Lifecycle
// ============================================================================

// Start subscribes to the user's feeds, connects the session and syncs the
// conversation list.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.UserID == "" {
		return ErrNoUser
	}
	if _, err := s.session.Subscribe(ctx, messageFeed(s.cfg.UserID), s.feedHandler(messageFeedField)); err != nil {
		return fmt.Errorf("subscribe message feed: %w", err)
	}
	if _, err := s.session.Subscribe(ctx, conversationFeed(s.cfg.UserID), s.feedHandler(conversationFeedField)); err != nil {
		return fmt.Errorf("subscribe conversation feed: %w", err)
	}
	if err := s.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}
	return s.SyncConversations(ctx)
}

// Stop closes the session, stops gap checks and drains the queue.
func (s *Service) Stop() {
	s.session.Close()
	s.tracker.Stop()
	s.queue.Wait()
}

func (s *Service) feedHandler(field string) func(realtime.MessageEvent) {
	return func(msg realtime.MessageEvent) {
		if msg.Complete {
			s.logger.Warn().Str("op", msg.Operation).Msg("feed completed by server")
			return
		}
		if len(msg.Errors) > 0 {
			s.logger.Warn().Interface("errors", msg.Errors).Str("op", msg.Operation).Msg("feed error")
			return
		}
		ev, err := decodeFeed(msg.Data, field)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping feed event")
			return
		}
		s.queue.Enqueue(func(ctx context.Context) error {
			return s.Apply(ctx, ev)
		})
	}
}

// ============================================================================
// Feed hydration
// ============================================================================

// Apply writes one feed event to the cache. It must run on the queue.
func (s *Service) Apply(ctx context.Context, ev FeedEvent) error {
	if !s.store.IsStorageEnabled() {
		return nil
	}
	switch ev.Type {
	case EventMessageNew, EventMessageEdit:
		if ev.Message == nil {
			return fmt.Errorf("%s without message", ev.Type)
		}
		m := *ev.Message
		m.Status = model.StatusConfirmed
		return s.storeMessage(ctx, ev.Type, &m)

	case EventMessageReaction:
		m, err := s.cachedMessage(ctx, ev.messageID())
		if err != nil {
			return err
		}
		if m == nil {
			if ev.Message == nil {
				return nil
			}
			m = ev.Message
		}
		at := ev.at()
		m.Reactions = ev.Reactions
		m.UpdatedAt = &at
		return s.storeMessage(ctx, ev.Type, m)

	case EventMessageDelete:
		m, err := s.cachedMessage(ctx, ev.messageID())
		if err != nil || m == nil {
			return err
		}
		at := ev.at()
		m.DeletedAt = &at
		return s.storeMessage(ctx, ev.Type, m)

	case EventConversationUpsert:
		if ev.Conversation == nil {
			return fmt.Errorf("%s without conversation", ev.Type)
		}
		return s.storeConversations(ctx, false, ev.Conversation)

	case EventConversationLeave:
		id := ev.conversationID()
		s.tracker.Unobserve(id, s.cfg.UserID)
		c, err := s.cachedConversation(ctx, id)
		if err != nil || c == nil {
			return err
		}
		at := ev.at()
		c.DeletedAt = &at
		return s.storeConversations(ctx, true, c)

	default:
		s.logger.Debug().Str("type", ev.Type).Msg("ignoring feed event")
		return nil
	}
}

func (s *Service) pk(id string) cache.Key {
	return cache.PK(cache.CompositeKey(id, s.cfg.UserID))
}

func (s *Service) cachedMessage(ctx context.Context, id string) (*model.Message, error) {
	if id == "" {
		return nil, nil
	}
	row, ok, err := s.store.Get(ctx, cache.TableMessage, s.pk(id))
	if err != nil || !ok {
		return nil, err
	}
	return convert.RowToMessage(row.(*cache.MessageRow))
}

func (s *Service) cachedConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, nil
	}
	row, ok, err := s.store.Get(ctx, cache.TableConversation, s.pk(id))
	if err != nil || !ok {
		return nil, err
	}
	return convert.RowToConversation(row.(*cache.ConversationRow)), nil
}

// storeMessage upserts m, replaces the optimistic row it confirms, tracks its
// version and moves the conversation's last message forward.
func (s *Service) storeMessage(ctx context.Context, kind string, m *model.Message) error {
	if m.Status == "" {
		m.Status = model.StatusConfirmed
	}
	if m.ClientID != "" && m.ClientID != m.ID {
		if err := s.store.DeleteBulk(ctx, cache.TableMessage, []string{cache.CompositeKey(m.ClientID, s.cfg.UserID)}); err != nil {
			return err
		}
	}
	if err := s.store.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{convert.MessageToRow(m, s.cfg.UserID)}); err != nil {
		return err
	}
	if m.Status == model.StatusConfirmed {
		s.tracker.Track(m.ConversationID, s.cfg.UserID, m.Version)
		if err := s.touchConversation(ctx, m); err != nil {
			return err
		}
	}
	s.emit(MessageStored{Kind: kind, Message: m})
	return nil
}

func (s *Service) touchConversation(ctx context.Context, m *model.Message) error {
	row, ok, err := s.store.Get(ctx, cache.TableConversation, s.pk(m.ConversationID))
	if err != nil || !ok {
		return err
	}
	c := row.(*cache.ConversationRow)
	if m.Version <= c.LastMessageVersion || m.DeletedAt != nil {
		return nil
	}
	at := m.CreatedAt.UnixMilli()
	c.LastMessageID = m.ID
	c.LastMessageSender = m.SenderUserID
	c.LastMessagePreview = preview(m.Content)
	c.LastMessageVersion = m.Version
	c.LastMessageAt = &at
	return s.store.InsertBulkSafe(ctx, cache.TableConversation, []cache.Row{c})
}

func preview(content string) string {
	const limit = 120
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return string(r[:limit])
}

func (s *Service) storeConversations(ctx context.Context, left bool, convs ...*model.Conversation) error {
	rows := make([]cache.Row, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, convert.ConversationToRow(c, s.cfg.UserID))
	}
	if err := s.store.InsertBulkSafe(ctx, cache.TableConversation, rows); err != nil {
		return err
	}
	for _, c := range convs {
		s.emit(ConversationStored{Conversation: c, Left: left})
	}
	return nil
}

// ============================================================================
// Operations
// ============================================================================

// SyncConversations fetches the profile and conversation list and caches both.
func (s *Service) SyncConversations(ctx context.Context) error {
	var (
		me    *model.User
		convs []*model.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		me, err = s.backend.Me(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		convs, err = s.backend.ListConversations(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync conversations: %w", err)
	}

	return queue.Run(ctx, s.queue, func(ctx context.Context) error {
		if me != nil {
			if err := s.store.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{convert.UserToRow(me, s.cfg.UserID)}); err != nil {
				return err
			}
		}
		if len(convs) == 0 {
			return nil
		}
		return s.storeConversations(ctx, false, convs...)
	})
}

// SendOptions are optional fields of an outbound message.
type SendOptions struct {
	Type   model.MessageType
	RootID string
}

// SendMessage stores a pending message, sends it and replaces it with the
// confirmed one. A rejected send leaves the local row marked failed.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*model.Message, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	typ := opts.Type
	if typ == "" {
		typ = model.MessageText
	}
	clientID := ulid.Make().String()
	local := &model.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderUserID:   s.cfg.UserID,
		Content:        content,
		Type:           typ,
		Origin:         model.OriginUser,
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	err := queue.Run(ctx, s.queue, func(ctx context.Context) error {
		if opts.RootID != "" {
			root, err := s.cachedMessage(ctx, opts.RootID)
			if err != nil {
				return err
			}
			local.Root = root
		}
		return s.storeMessage(ctx, "send", local)
	})
	if err != nil {
		return nil, fmt.Errorf("store pending message: %w", err)
	}

	sent, sendErr := s.backend.SendMessage(ctx, conversationID, backend.SendRequest{
		Content:  content,
		Type:     typ,
		ClientID: clientID,
		RootID:   opts.RootID,
	})
	if sendErr != nil {
		failed := *local
		failed.Status = model.StatusFailed
		err := queue.Run(ctx, s.queue, func(ctx context.Context) error {
			if err := s.storeMessage(ctx, "send", &failed); err != nil {
				return err
			}
			s.emit(SendFailed{ConversationID: conversationID, ClientID: clientID, Err: sendErr})
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Str("client_id", clientID).Msg("could not mark message failed")
		}
		return &failed, sendErr
	}

	confirmed := *sent
	confirmed.Status = model.StatusConfirmed
	confirmed.ClientID = clientID
	if confirmed.Root == nil {
		confirmed.Root = local.Root
	}
	err = queue.Run(ctx, s.queue, func(ctx context.Context) error {
		return s.storeMessage(ctx, "send", &confirmed)
	})
	if err != nil {
		return nil, fmt.Errorf("store confirmed message: %w", err)
	}
	return &confirmed, nil
}

// LeaveConversation leaves on the backend and soft-deletes the local row.
func (s *Service) LeaveConversation(ctx context.Context, conversationID string) error {
	if err := s.backend.LeaveConversation(ctx, conversationID); err != nil {
		return err
	}
	return queue.Run(ctx, s.queue, func(ctx context.Context) error {
		return s.Apply(ctx, FeedEvent{Type: EventConversationLeave, ConversationID: conversationID})
	})
}

// PurgeConversations physically removes conversations and all their messages.
func (s *Service) PurgeConversations(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pks := make([]string, 0, len(ids))
	for _, id := range ids {
		s.tracker.Unobserve(id, s.cfg.UserID)
		pks = append(pks, cache.CompositeKey(id, s.cfg.UserID))
	}
	return queue.Run(ctx, s.queue, func(ctx context.Context) error {
		for _, id := range ids {
			if err := s.store.DeleteItem(ctx, cache.TableMessage, cache.ByConversation(id).Of(s.cfg.UserID)); err != nil {
				return err
			}
		}
		return s.store.DeleteBulk(ctx, cache.TableConversation, pks)
	})
}

// Observe starts gap checks for a conversation on screen. Until a message of
// the conversation is tracked, the cached last message version is the starting
// point, so older history never counts as a gap.
func (s *Service) Observe(ctx context.Context, conversationID string) error {
	if snap, ok := s.tracker.Snapshot(conversationID, s.cfg.UserID); !ok || !snap.Seeded {
		row, found, err := s.store.Get(ctx, cache.TableConversation, s.pk(conversationID))
		if err != nil {
			return err
		}
		if found {
			if v := row.(*cache.ConversationRow).LastMessageVersion; v > 0 {
				s.tracker.Baseline(conversationID, s.cfg.UserID, v)
			}
		}
	}
	return s.tracker.Observe(ctx, conversationID, s.cfg.UserID)
}

func (s *Service) Unobserve(conversationID string) {
	s.tracker.Unobserve(conversationID, s.cfg.UserID)
}

// Unsync drops every cached row. The realtime session calls it after a forced
// logout.
func (s *Service) Unsync(ctx context.Context) error {
	s.tracker.Reset()
	err := queue.Run(ctx, s.queue, func(ctx context.Context) error {
		for _, t := range cache.Tables {
			if err := s.store.Truncate(ctx, t); err != nil {
				return fmt.Errorf("truncate %s: %w", t, err)
			}
		}
		s.emit(Unsynced{})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Msg("local state dropped")
	return nil
}

// SetStorageEnabled toggles local persistence. While disabled every cache write
// is skipped and gap checks are inert.
func (s *Service) SetStorageEnabled(enabled bool) {
	if enabled {
		s.store.EnableStorage()
	} else {
		s.store.DisableStorage()
	}
}

// Message reads a cached message.
func (s *Service) Message(ctx context.Context, id string) (*model.Message, error) {
	return s.cachedMessage(ctx, id)
}

// Conversation reads a cached conversation.
func (s *Service) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.cachedConversation(ctx, id)
}
