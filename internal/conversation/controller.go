package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/metrics"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
	"github.com/MarcoPoloResearchLab/convosync/internal/restclient"
	"github.com/MarcoPoloResearchLab/convosync/internal/timeline"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 50

var (
	// ErrInvalidConfig indicates missing controller dependencies.
	ErrInvalidConfig = errors.New("conversation: invalid configuration")
	// ErrSuperseded indicates a newer Activate or Deactivate replaced the session
	// the call was operating on. Its result was discarded.
	ErrSuperseded = errors.New("conversation: superseded by a newer activation")
	// ErrNotActive indicates no conversation is active.
	ErrNotActive = errors.New("conversation: no active conversation")
	// ErrUnknownMessage indicates the id is not part of the loaded timeline.
	ErrUnknownMessage = errors.New("conversation: message not in timeline")
	// ErrSendFailed indicates the server did not accept a new message.
	ErrSendFailed = errors.New("conversation: send failed")
	// ErrEditFailed indicates a generic edit failure.
	ErrEditFailed = errors.New("conversation: edit failed")
	// ErrDeleteFailed indicates a generic delete failure.
	ErrDeleteFailed = errors.New("conversation: delete failed")
)

// API is the subset of the REST client the controller depends on.
type API interface {
	ListMessages(ctx context.Context, conversationID messages.ConversationID, page restclient.Page) (restclient.PageResult, error)
	CreateMessage(ctx context.Context, conversationID messages.ConversationID, content string) (messages.Record, error)
	EditMessage(ctx context.Context, id messages.MessageID, content string) (messages.Record, error)
	DeleteMessage(ctx context.Context, id messages.MessageID) error
	SetToken(token string)
}

// Channel is one push connection. *pushchannel.Manager satisfies it.
type Channel interface {
	Open(conversationID messages.ConversationID, token string) error
	Events() <-chan pushchannel.Event
	State() pushchannel.State
	Close()
}

// ChannelFactory creates a fresh Channel for every activation.
type ChannelFactory func() (Channel, error)

// NewChannelFactory returns a factory building push managers from cfg.
func NewChannelFactory(cfg pushchannel.Config) ChannelFactory {
	return func() (Channel, error) {
		return pushchannel.NewManager(cfg)
	}
}

// Config configures a Controller.
type Config struct {
	UserID     messages.UserID
	Token      string
	API        API
	Channels   ChannelFactory
	Clock      func() time.Time
	TempIDs    timeline.TempIDProvider
	EchoWindow time.Duration
	PageSize   int
	Logger     *zap.Logger
	Metrics    *metrics.SyncMetrics
}

// View is what observers render: the active conversation's ordered timeline and
// the push channel status.
type View struct {
	ConversationID messages.ConversationID
	Version        uint64
	Messages       []messages.Record
	ChannelState   pushchannel.State
	HasMore        bool
}

// Controller owns the timeline of the active conversation and is its only writer.
type Controller struct {
	userID     messages.UserID
	api        API
	channels   ChannelFactory
	clock      func() time.Time
	tempIDs    timeline.TempIDProvider
	echoWindow time.Duration
	pageSize   int
	logger     *zap.Logger
	metrics    *metrics.SyncMetrics

	updates   chan View
	publishMu sync.Mutex

	// lifecycleMu orders channel teardown and open across activations so at
	// most one push channel is live.
	lifecycleMu sync.Mutex

	mu         sync.Mutex
	token      string
	generation uint64
	session    *session
}

type session struct {
	conversationID messages.ConversationID
	store          *timeline.Store
	tracker        *timeline.EchoTracker
	channel        Channel
	channelState   pushchannel.State
	hasMore        bool
	mutations      map[messages.MessageID]*mutationChain
	stop           chan struct{}
	loopDone       chan struct{}
}

// mutationChain tracks the optimistic edits and deletes in flight for one id.
// confirmed is the last record the server acknowledged, by response or push;
// a rejected latest mutation rolls the timeline back to it.
type mutationChain struct {
	confirmed    messages.Record
	latest       *pendingMutation
	issued       uint64
	acknowledged uint64
	pushes       uint64
	inflight     int
}

// pendingMutation is one optimistic edit or delete awaiting the server. A push
// event for the same id after it started supersedes both its result and its
// rollback.
type pendingMutation struct {
	seq    uint64
	pushes uint64
}

// NewController validates cfg and constructs an inactive Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidConfig)
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("%w: api is required", ErrInvalidConfig)
	}
	if cfg.Channels == nil {
		return nil, fmt.Errorf("%w: channel factory is required", ErrInvalidConfig)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tempIDs := cfg.TempIDs
	if tempIDs == nil {
		tempIDs = timeline.NewUUIDProvider()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		userID:     cfg.UserID,
		api:        cfg.API,
		channels:   cfg.Channels,
		clock:      clock,
		tempIDs:    tempIDs,
		echoWindow: cfg.EchoWindow,
		pageSize:   pageSize,
		logger:     logger,
		metrics:    cfg.Metrics,
		updates:    make(chan View, 1),
		token:      cfg.Token,
	}, nil
}

// Updates delivers the latest View after every change. Intermediate views may
// be skipped when the reader falls behind.
func (c *Controller) Updates() <-chan View {
	return c.updates
}

// Activate makes conversationID the active conversation. Prior state is torn
// down first. If another Activate or Deactivate happens while the initial fetch
// is in flight, the fetched page is discarded and ErrSuperseded is returned.
func (c *Controller) Activate(ctx context.Context, conversationID messages.ConversationID) error {
	c.lifecycleMu.Lock()
	c.mu.Lock()
	previous := c.session
	c.session = nil
	c.generation++
	generation := c.generation
	c.mu.Unlock()
	c.teardown(previous)
	c.lifecycleMu.Unlock()

	if previous != nil {
		c.publish()
	}

	page, err := c.api.ListMessages(ctx, conversationID, restclient.Page{Limit: c.pageSize})

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		c.logger.Debug("stale timeline fetch discarded", zap.String("conversation_id", conversationID.String()))
		return ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation: fetch timeline: %w", err)
	}

	channel, err := c.channels()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation: create channel: %w", err)
	}

	store := timeline.NewStore()
	store.Reset(chronological(page.Messages))
	s := &session{
		conversationID: conversationID,
		store:          store,
		tracker:        timeline.NewEchoTracker(timeline.EchoTrackerConfig{Window: c.echoWindow, Clock: c.clock}),
		channel:        channel,
		hasMore:        page.HasMore,
		mutations:      make(map[messages.MessageID]*mutationChain),
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	if err := channel.Open(conversationID, c.token); err != nil {
		c.mu.Unlock()
		channel.Close()
		return fmt.Errorf("conversation: open channel: %w", err)
	}
	c.session = s
	go c.loop(s)
	c.mu.Unlock()

	c.logger.Info("conversation activated",
		zap.String("conversation_id", conversationID.String()),
		zap.Int("messages", len(page.Messages)))
	c.publish()
	return nil
}

// Deactivate closes the push channel and discards the timeline.
func (c *Controller) Deactivate() {
	c.lifecycleMu.Lock()
	c.mu.Lock()
	previous := c.session
	c.session = nil
	c.generation++
	c.mu.Unlock()
	c.teardown(previous)
	c.lifecycleMu.Unlock()

	if previous == nil {
		return
	}
	c.logger.Info("conversation deactivated", zap.String("conversation_id", previous.conversationID.String()))
	c.publish()
}

// Reconnect installs a fresh token on the REST client and reopens an idle or
// backing-off push channel with it, typically after an authentication failure.
func (c *Controller) Reconnect(token string) error {
	c.mu.Lock()
	c.token = token
	s := c.session
	c.mu.Unlock()
	c.api.SetToken(token)
	if s == nil {
		return ErrNotActive
	}
	return s.channel.Open(s.conversationID, token)
}

// Snapshot returns the current View.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// HandlePushEvent applies one inbound event to the active timeline.
func (c *Controller) HandlePushEvent(event pushchannel.Event) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.apply(s, event)
}

// SendMessage inserts an optimistic record, creates the message on the server
// and swaps the optimistic record for the confirmed one. Empty content never
// reaches the network.
func (c *Controller) SendMessage(ctx context.Context, content string) (messages.Record, error) {
	if err := messages.ValidateContent(content); err != nil {
		return messages.Record{}, err
	}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return messages.Record{}, ErrNotActive
	}
	tempID, err := c.tempIDs.NewTempID()
	if err != nil {
		c.mu.Unlock()
		return messages.Record{}, fmt.Errorf("%w: temp id: %w", ErrSendFailed, err)
	}
	s.store.Append(messages.Record{
		TempID:         tempID,
		ConversationID: s.conversationID,
		SenderID:       c.userID,
		Content:        content,
		CreatedAt:      c.clock(),
	})
	c.mu.Unlock()
	c.publish()

	confirmed, err := c.api.CreateMessage(ctx, s.conversationID, content)

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		if err != nil {
			return messages.Record{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return confirmed, nil
	}
	if err != nil {
		s.store.RemoveOptimistic(tempID)
		c.mu.Unlock()
		c.metrics.RolledBack("send")
		c.logger.Warn("send failed",
			zap.String("conversation_id", s.conversationID.String()),
			zap.Error(err))
		c.publish()
		return messages.Record{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.tracker.RecordSent(confirmed.ID)
	s.store.ReconcileOptimistic(tempID, confirmed)
	c.mu.Unlock()
	c.publish()
	return confirmed, nil
}

// EditMessage replaces the content of one of the user's messages. The edit
// window is checked locally first; a server-side window rejection rolls the
// optimistic edit back and is reported as messages.ErrEditWindowExpired.
func (c *Controller) EditMessage(ctx context.Context, id messages.MessageID, content string) (messages.Record, error) {
	if err := messages.ValidateContent(content); err != nil {
		return messages.Record{}, err
	}

	c.mu.Lock()
	s, err := c.modifiableLocked(id)
	if err != nil {
		c.mu.Unlock()
		return messages.Record{}, err
	}
	previous, _ := s.store.ApplyEdit(id, content)
	mutation := s.beginMutation(id, previous)
	c.mu.Unlock()
	c.publish()

	updated, err := c.api.EditMessage(ctx, id, content)

	c.mu.Lock()
	chain := s.endMutation(id)
	if c.session != s {
		c.mu.Unlock()
		if err != nil {
			return messages.Record{}, classifyMutationError(err, ErrEditFailed)
		}
		return updated, nil
	}
	if err != nil {
		c.rollbackLocked(s, chain, mutation, "edit")
		c.mu.Unlock()
		c.publish()
		return messages.Record{}, classifyMutationError(err, ErrEditFailed)
	}
	s.confirmLocked(chain, mutation, updated)
	c.mu.Unlock()
	c.publish()
	return updated, nil
}

// DeleteMessage tombstones one of the user's messages under the same rules as
// EditMessage.
func (c *Controller) DeleteMessage(ctx context.Context, id messages.MessageID) error {
	c.mu.Lock()
	s, err := c.modifiableLocked(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	previous, _ := s.store.ApplyDelete(id)
	mutation := s.beginMutation(id, previous)
	c.mu.Unlock()
	c.publish()

	err = c.api.DeleteMessage(ctx, id)

	c.mu.Lock()
	chain := s.endMutation(id)
	if c.session != s {
		c.mu.Unlock()
		if err != nil {
			return classifyMutationError(err, ErrDeleteFailed)
		}
		return nil
	}
	if err != nil {
		c.rollbackLocked(s, chain, mutation, "delete")
		c.mu.Unlock()
		c.publish()
		return classifyMutationError(err, ErrDeleteFailed)
	}
	s.confirmLocked(chain, mutation, chain.confirmed.Tombstoned())
	c.mu.Unlock()
	c.publish()
	return nil
}

// LoadOlder fetches the page preceding the oldest confirmed message and merges
// it into the timeline. It returns the number of records added.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return 0, ErrNotActive
	}
	oldest, ok := s.store.Oldest()
	if !ok || !s.hasMore {
		c.mu.Unlock()
		return 0, nil
	}
	c.mu.Unlock()

	page, err := c.api.ListMessages(ctx, s.conversationID, restclient.Page{Limit: c.pageSize, Before: oldest.ID})

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return 0, ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("conversation: load older: %w", err)
	}
	added := 0
	for _, record := range page.Messages {
		if record.ConversationID != s.conversationID {
			continue
		}
		if s.store.Append(record) {
			added++
		}
	}
	s.hasMore = page.HasMore
	c.mu.Unlock()
	c.publish()
	return added, nil
}

func (c *Controller) loop(s *session) {
	defer close(s.loopDone)
	events := s.channel.Events()
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.apply(s, event)
		}
	}
}

func (c *Controller) apply(s *session, event pushchannel.Event) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	changed := false
	switch event.Kind {
	case pushchannel.EventStateChanged:
		s.channelState = event.State
		changed = true
		if errors.Is(event.State.Err, pushchannel.ErrAuthentication) {
			c.logger.Warn("push channel stopped: authentication rejected",
				zap.String("conversation_id", s.conversationID.String()))
		}
	case pushchannel.EventMessageCreated, pushchannel.EventMessageUpdated, pushchannel.EventMessageDeleted:
		if event.Message.ConversationID != s.conversationID {
			break
		}
		changed = c.applyMessageLocked(s, event)
	}
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

func (c *Controller) applyMessageLocked(s *session, event pushchannel.Event) bool {
	record := event.Message
	switch event.Kind {
	case pushchannel.EventMessageCreated:
		if s.tracker.ShouldSuppressEcho(record.ID) {
			c.metrics.EchoSuppressed()
			return false
		}
		if !s.store.Append(record) {
			return false
		}
	case pushchannel.EventMessageUpdated:
		var ok bool
		if record.IsDeleted {
			_, ok = s.store.ApplyDelete(record.ID)
		} else {
			_, ok = s.store.ApplyEdit(record.ID, record.Content)
		}
		s.observePush(record.ID)
		if !ok {
			return false
		}
	case pushchannel.EventMessageDeleted:
		_, ok := s.store.ApplyDelete(record.ID)
		s.observePush(record.ID)
		if !ok {
			return false
		}
	}
	c.metrics.EventApplied(event.Kind.String())
	return true
}

func (c *Controller) modifiableLocked(id messages.MessageID) (*session, error) {
	s := c.session
	if s == nil {
		return nil, ErrNotActive
	}
	record, ok := s.store.Get(id)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if err := messages.CheckModify(record, c.userID, c.clock()); err != nil {
		return nil, err
	}
	return s, nil
}

// rollbackLocked restores the last confirmed record when the rejected mutation
// is still the one on screen. Otherwise a newer mutation or a push owns it.
func (c *Controller) rollbackLocked(s *session, chain *mutationChain, mutation *pendingMutation, operation string) {
	if mutation.pushes != chain.pushes || chain.latest != mutation {
		return
	}
	chain.latest = nil
	s.store.Revert(chain.confirmed)
	c.metrics.RolledBack(operation)
	c.logger.Info("optimistic mutation rolled back",
		zap.String("conversation_id", s.conversationID.String()),
		zap.Int64("message_id", chain.confirmed.ID.Int64()),
		zap.String("operation", operation))
}

func (c *Controller) teardown(s *session) {
	if s == nil {
		return
	}
	close(s.stop)
	s.channel.Close()
	<-s.loopDone
	s.tracker.Reset()
}

func (c *Controller) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	view := c.Snapshot()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- view:
	default:
	}
}

func (c *Controller) viewLocked() View {
	s := c.session
	if s == nil {
		return View{}
	}
	snapshot := s.store.Snapshot()
	return View{
		ConversationID: s.conversationID,
		Version:        snapshot.Version,
		Messages:       snapshot.Messages,
		ChannelState:   s.channelState,
		HasMore:        s.hasMore,
	}
}

// beginMutation registers an optimistic mutation of id. previous is the record
// it replaced; it becomes the rollback baseline only when nothing else is in
// flight for id.
func (s *session) beginMutation(id messages.MessageID, previous messages.Record) *pendingMutation {
	chain, ok := s.mutations[id]
	if !ok {
		chain = &mutationChain{confirmed: previous}
		s.mutations[id] = chain
	}
	chain.issued++
	chain.inflight++
	mutation := &pendingMutation{seq: chain.issued, pushes: chain.pushes}
	chain.latest = mutation
	return mutation
}

// endMutation releases one in-flight mutation of id and returns its chain.
func (s *session) endMutation(id messages.MessageID) *mutationChain {
	chain := s.mutations[id]
	chain.inflight--
	if chain.inflight == 0 {
		delete(s.mutations, id)
	}
	return chain
}

// confirmLocked records the server's acceptance of mutation. Responses older
// than one already accepted, or overtaken by a push, are ignored. The timeline
// shows result unless a newer optimistic mutation is on screen.
func (s *session) confirmLocked(chain *mutationChain, mutation *pendingMutation, result messages.Record) {
	if mutation.pushes != chain.pushes || mutation.seq < chain.acknowledged {
		return
	}
	chain.confirmed = result
	chain.acknowledged = mutation.seq
	if chain.latest == mutation || chain.latest == nil {
		chain.latest = nil
		s.store.Revert(result)
	}
}

// observePush makes the pushed state of id the rollback baseline and detaches
// every in-flight mutation of id from the timeline.
func (s *session) observePush(id messages.MessageID) {
	chain, ok := s.mutations[id]
	if !ok {
		return
	}
	chain.pushes++
	chain.latest = nil
	if current, found := s.store.Get(id); found {
		chain.confirmed = current
	}
}

func classifyMutationError(err error, generic error) error {
	if errors.Is(err, restclient.ErrEditWindowExpired) {
		return fmt.Errorf("%w: %w", messages.ErrEditWindowExpired, err)
	}
	return fmt.Errorf("%w: %w", generic, err)
}

// chronological reverses a most-recent-first page.
func chronological(page []messages.Record) []messages.Record {
	ordered := make([]messages.Record, len(page))
	for index, record := range page {
		ordered[len(page)-1-index] = record
	}
	return ordered
}
