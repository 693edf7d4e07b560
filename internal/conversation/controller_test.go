package conversation

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
	"github.com/MarcoPoloResearchLab/convosync/internal/restclient"
)

const (
	userA = messages.UserID("user-a")
	userB = messages.UserID("user-b")
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fakeAPI struct {
	mu          sync.Mutex
	list        func(ctx context.Context, id messages.ConversationID, page restclient.Page) (restclient.PageResult, error)
	create      func(ctx context.Context, id messages.ConversationID, content string) (messages.Record, error)
	edit        func(ctx context.Context, id messages.MessageID, content string) (messages.Record, error)
	remove      func(ctx context.Context, id messages.MessageID) error
	listCalls   []restclient.Page
	createCalls int
	editCalls   int
	deleteCalls int
	token       string
}

func (f *fakeAPI) ListMessages(ctx context.Context, id messages.ConversationID, page restclient.Page) (restclient.PageResult, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, page)
	list := f.list
	f.mu.Unlock()
	if list == nil {
		return restclient.PageResult{}, nil
	}
	return list(ctx, id, page)
}

func (f *fakeAPI) CreateMessage(ctx context.Context, id messages.ConversationID, content string) (messages.Record, error) {
	f.mu.Lock()
	f.createCalls++
	create := f.create
	f.mu.Unlock()
	return create(ctx, id, content)
}

func (f *fakeAPI) EditMessage(ctx context.Context, id messages.MessageID, content string) (messages.Record, error) {
	f.mu.Lock()
	f.editCalls++
	edit := f.edit
	f.mu.Unlock()
	return edit(ctx, id, content)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, id messages.MessageID) error {
	f.mu.Lock()
	f.deleteCalls++
	remove := f.remove
	f.mu.Unlock()
	return remove(ctx, id)
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeAPI) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAPI) EditCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editCalls
}

func (f *fakeAPI) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

type fakeChannel struct {
	events    chan pushchannel.Event
	closeOnce sync.Once
	onOpen    func()
	onClose   func()

	mu             sync.Mutex
	conversationID messages.ConversationID
	token          string
	opened         bool
	closed         bool
	closeStarted   chan struct{}
	closeGate      chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan pushchannel.Event, 16)}
}

func (f *fakeChannel) Open(conversationID messages.ConversationID, token string) error {
	f.mu.Lock()
	first := !f.opened
	f.opened = true
	f.conversationID = conversationID
	f.token = token
	f.mu.Unlock()
	if first && f.onOpen != nil {
		f.onOpen()
	}
	return nil
}

func (f *fakeChannel) Events() <-chan pushchannel.Event {
	return f.events
}

func (f *fakeChannel) State() pushchannel.State {
	return pushchannel.State{Phase: pushchannel.PhaseOpen}
}

func (f *fakeChannel) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		started, gate := f.closeStarted, f.closeGate
		f.mu.Unlock()
		if gate != nil {
			close(started)
			<-gate
		}

		f.mu.Lock()
		wasOpen := f.opened
		f.closed = true
		f.mu.Unlock()
		if wasOpen && f.onClose != nil {
			f.onClose()
		}
		close(f.events)
	})
}

// holdClose makes the next Close block until release is called.
func (f *fakeChannel) holdClose() (started <-chan struct{}, release func()) {
	startedCh := make(chan struct{})
	gate := make(chan struct{})
	f.mu.Lock()
	f.closeStarted = startedCh
	f.closeGate = gate
	f.mu.Unlock()
	return startedCh, func() { close(gate) }
}

func (f *fakeChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Target() (messages.ConversationID, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversationID, f.token
}

type harness struct {
	controller *Controller
	api        *fakeAPI
	clock      *manualClock

	mu       sync.Mutex
	channels []*fakeChannel
	live     int
	maxLive  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{api: &fakeAPI{}, clock: &manualClock{now: t0}}
	controller, err := NewController(Config{
		UserID: userA,
		Token:  "token-a",
		API:    h.api,
		Channels: func() (Channel, error) {
			channel := newFakeChannel()
			channel.onOpen = func() { h.trackLive(1) }
			channel.onClose = func() { h.trackLive(-1) }
			h.mu.Lock()
			h.channels = append(h.channels, channel)
			h.mu.Unlock()
			return channel, nil
		},
		Clock:    h.clock.Now,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	h.controller = controller
	t.Cleanup(controller.Deactivate)
	return h
}

func (h *harness) trackLive(delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live += delta
	if h.live > h.maxLive {
		h.maxLive = h.live
	}
}

func (h *harness) maxLiveChannels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxLive
}

func (h *harness) channel(index int) *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[index]
}

func (h *harness) channelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *harness) mustActivate(t *testing.T, conversationID messages.ConversationID) {
	t.Helper()
	if err := h.controller.Activate(context.Background(), conversationID); err != nil {
		t.Fatalf("activate %s failed: %v", conversationID, err)
	}
}

func record(id int64, conversation messages.ConversationID, sender messages.UserID, content string, createdAt time.Time) messages.Record {
	return messages.Record{
		ID:             messages.MessageID(id),
		ConversationID: conversation,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      createdAt,
	}
}

func staticPage(records ...messages.Record) func(context.Context, messages.ConversationID, restclient.Page) (restclient.PageResult, error) {
	return func(context.Context, messages.ConversationID, restclient.Page) (restclient.PageResult, error) {
		return restclient.PageResult{Messages: records}, nil
	}
}

func ids(view View) []messages.MessageID {
	result := make([]messages.MessageID, 0, len(view.Messages))
	for _, message := range view.Messages {
		result = append(result, message.ID)
	}
	return result
}

func expectIDs(t *testing.T, view View, want ...messages.MessageID) {
	t.Helper()
	if got := ids(view); !slices.Equal(got, want) {
		t.Fatalf("expected timeline %v, got %v", want, got)
	}
}

func expectErrorIs(t *testing.T, err error, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error %v, got %v", target, err)
	}
}

func expectContent(t *testing.T, view View, index int, want string) {
	t.Helper()
	if len(view.Messages) <= index {
		t.Fatalf("expected at least %d messages, got %d", index+1, len(view.Messages))
	}
	if got := view.Messages[index].Content; got != want {
		t.Fatalf("expected content %q at %d, got %q", want, index, got)
	}
}

func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expiredError() error {
	return &restclient.APIError{StatusCode: http.StatusForbidden, Code: restclient.CodeEditWindowExpired}
}

func TestActivateSeedsTimelineInChronologicalOrder(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(
		record(3, "c1", userB, "third", t0.Add(2*time.Minute)),
		record(2, "c1", userA, "second", t0.Add(time.Minute)),
		record(1, "c1", userB, "first", t0),
	)

	h.mustActivate(t, "c1")

	view := h.controller.Snapshot()
	if view.ConversationID != "c1" {
		t.Fatalf("expected active conversation c1, got %q", view.ConversationID)
	}
	expectIDs(t, view, 1, 2, 3)
	if conversationID, token := h.channel(0).Target(); conversationID != "c1" || token != "token-a" {
		t.Fatalf("expected channel opened for c1 with token-a, got %q/%q", conversationID, token)
	}
}

func TestSendThenEchoProducesSingleRecord(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")
	h.api.create = func(_ context.Context, id messages.ConversationID, content string) (messages.Record, error) {
		return record(42, id, userA, content, t0), nil
	}

	confirmed, err := h.controller.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if confirmed.ID != 42 {
		t.Fatalf("expected confirmed id 42, got %d", confirmed.ID)
	}

	h.clock.Set(t0.Add(time.Second))
	h.controller.HandlePushEvent(pushchannel.Event{Kind: pushchannel.EventMessageCreated, Message: record(42, "c1", userA, "hello", t0)})

	view := h.controller.Snapshot()
	expectIDs(t, view, 42)
	if view.Messages[0].Pending() {
		t.Fatalf("expected the record to be confirmed")
	}
}

func TestEchoArrivingBeforeRestResponseIsNotDuplicated(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")

	release := make(chan struct{})
	started := make(chan struct{})
	h.api.create = func(_ context.Context, id messages.ConversationID, content string) (messages.Record, error) {
		close(started)
		<-release
		return record(42, id, userA, content, t0), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.controller.SendMessage(context.Background(), "hello")
		done <- err
	}()
	<-started

	pending := h.controller.Snapshot()
	if len(pending.Messages) != 1 || !pending.Messages[0].Pending() {
		t.Fatalf("expected a single optimistic record, got %+v", pending.Messages)
	}

	h.controller.HandlePushEvent(pushchannel.Event{Kind: pushchannel.EventMessageCreated, Message: record(42, "c1", userA, "hello", t0)})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	expectIDs(t, h.controller.Snapshot(), 42)
}

func TestPushEventsFlowThroughChannelLoop(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")

	channel := h.channel(0)
	channel.events <- pushchannel.Event{Kind: pushchannel.EventStateChanged, State: pushchannel.State{Phase: pushchannel.PhaseOpen}}
	channel.events <- pushchannel.Event{Kind: pushchannel.EventMessageCreated, Message: record(5, "c1", userB, "later", t0.Add(time.Minute))}
	channel.events <- pushchannel.Event{Kind: pushchannel.EventMessageCreated, Message: record(4, "c1", userB, "earlier", t0)}

	waitFor(t, func() bool {
		return len(h.controller.Snapshot().Messages) == 2
	}, "both pushed messages")

	view := h.controller.Snapshot()
	expectIDs(t, view, 4, 5)
	if view.ChannelState.Phase != pushchannel.PhaseOpen {
		t.Fatalf("expected open channel state, got %v", view.ChannelState.Phase)
	}
}

func TestSendRejectsEmptyContentWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")

	_, err := h.controller.SendMessage(context.Background(), "   ")
	expectErrorIs(t, err, messages.ErrEmptyContent)
	if calls := h.api.CreateCalls(); calls != 0 {
		t.Fatalf("expected no create calls, got %d", calls)
	}
	expectIDs(t, h.controller.Snapshot())
}

func TestSendFailureRemovesOptimisticRecord(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")
	h.api.create = func(context.Context, messages.ConversationID, string) (messages.Record, error) {
		return messages.Record{}, restclient.ErrTransport
	}

	_, err := h.controller.SendMessage(context.Background(), "hello")
	expectErrorIs(t, err, ErrSendFailed)
	expectErrorIs(t, err, restclient.ErrTransport)
	if view := h.controller.Snapshot(); len(view.Messages) != 0 {
		t.Fatalf("expected optimistic record to be removed, got %+v", view.Messages)
	}
}

func TestEditWindowScenario(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")
	h.api.edit = func(_ context.Context, id messages.MessageID, content string) (messages.Record, error) {
		updated := record(int64(id), "c1", userA, content, t0)
		updated.IsEdited = true
		return updated, nil
	}

	h.clock.Set(t0.Add(23*time.Hour + 59*time.Minute))
	updated, err := h.controller.EditMessage(context.Background(), 7, "fixed typo")
	if err != nil {
		t.Fatalf("edit within the window failed: %v", err)
	}
	if !updated.IsEdited || h.api.EditCalls() != 1 {
		t.Fatalf("expected one accepted edit, got %+v after %d calls", updated, h.api.EditCalls())
	}

	h.clock.Set(t0.Add(24*time.Hour + time.Second))
	_, err = h.controller.EditMessage(context.Background(), 7, "too late")
	expectErrorIs(t, err, messages.ErrEditWindowExpired)
	if calls := h.api.EditCalls(); calls != 1 {
		t.Fatalf("expected an expired edit never to reach the network, got %d calls", calls)
	}

	expectContent(t, h.controller.Snapshot(), 0, "fixed typo")
}

func TestEditRejectedForOtherSender(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(8, "c1", userB, "theirs", t0))
	h.mustActivate(t, "c1")

	_, err := h.controller.EditMessage(context.Background(), 8, "mine now")
	expectErrorIs(t, err, messages.ErrNotSender)
	err = h.controller.DeleteMessage(context.Background(), 8)
	expectErrorIs(t, err, messages.ErrNotSender)
	_, err = h.controller.EditMessage(context.Background(), 99, "missing")
	expectErrorIs(t, err, ErrUnknownMessage)
}

func TestServerExpiredEditRollsBack(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")
	h.api.edit = func(context.Context, messages.MessageID, string) (messages.Record, error) {
		return messages.Record{}, expiredError()
	}

	h.clock.Set(t0.Add(23 * time.Hour))
	_, err := h.controller.EditMessage(context.Background(), 7, "changed")
	expectErrorIs(t, err, messages.ErrEditWindowExpired)
	if errors.Is(err, ErrEditFailed) {
		t.Fatalf("expected window expiry to be distinct from a generic failure, got %v", err)
	}

	view := h.controller.Snapshot()
	expectContent(t, view, 0, "original")
	if view.Messages[0].IsEdited {
		t.Fatalf("expected rollback to clear the edited flag")
	}
}

func TestOverlappingRejectedEditsRestoreConfirmedContent(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")

	started := make(chan string, 2)
	release := make(chan struct{})
	h.api.edit = func(_ context.Context, _ messages.MessageID, content string) (messages.Record, error) {
		started <- content
		<-release
		return messages.Record{}, expiredError()
	}

	results := make(chan error, 2)
	edit := func(content string) {
		_, err := h.controller.EditMessage(context.Background(), 7, content)
		results <- err
	}
	go edit("first")
	<-started
	go edit("second")
	<-started
	expectContent(t, h.controller.Snapshot(), 0, "second")

	close(release)
	for range 2 {
		expectErrorIs(t, <-results, messages.ErrEditWindowExpired)
	}

	view := h.controller.Snapshot()
	expectContent(t, view, 0, "original")
	if view.Messages[0].IsEdited {
		t.Fatalf("expected the confirmed record without the edited flag, got %+v", view.Messages[0])
	}
}

func TestRejectedEditFallsBackToEarlierAcceptedEdit(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")

	started := make(chan string, 2)
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	h.api.edit = func(_ context.Context, id messages.MessageID, content string) (messages.Record, error) {
		started <- content
		if content == "first" {
			<-releaseFirst
			updated := record(int64(id), "c1", userA, content, t0)
			updated.IsEdited = true
			return updated, nil
		}
		<-releaseSecond
		return messages.Record{}, errors.New("timeout")
	}

	firstDone := make(chan error, 1)
	secondDone := make(chan error, 1)
	go func() {
		_, err := h.controller.EditMessage(context.Background(), 7, "first")
		firstDone <- err
	}()
	<-started
	go func() {
		_, err := h.controller.EditMessage(context.Background(), 7, "second")
		secondDone <- err
	}()
	<-started

	close(releaseFirst)
	if err := <-firstDone; err != nil {
		t.Fatalf("first edit failed: %v", err)
	}
	expectContent(t, h.controller.Snapshot(), 0, "second")

	close(releaseSecond)
	expectErrorIs(t, <-secondDone, ErrEditFailed)

	view := h.controller.Snapshot()
	expectContent(t, view, 0, "first")
	if !view.Messages[0].IsEdited {
		t.Fatalf("expected the accepted edit to stay marked as edited")
	}
}

func TestGenericEditFailureRollsBackDistinctly(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")
	h.api.edit = func(context.Context, messages.MessageID, string) (messages.Record, error) {
		return messages.Record{}, errors.New("boom")
	}

	_, err := h.controller.EditMessage(context.Background(), 7, "changed")
	expectErrorIs(t, err, ErrEditFailed)
	if errors.Is(err, messages.ErrEditWindowExpired) {
		t.Fatalf("expected a generic failure, got %v", err)
	}
	expectContent(t, h.controller.Snapshot(), 0, "original")
}

func TestServerExpiredDeleteRollsBack(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")
	h.api.remove = func(context.Context, messages.MessageID) error {
		return expiredError()
	}

	err := h.controller.DeleteMessage(context.Background(), 7)
	expectErrorIs(t, err, messages.ErrEditWindowExpired)

	view := h.controller.Snapshot()
	if view.Messages[0].IsDeleted {
		t.Fatalf("expected rollback to restore the message")
	}
	expectContent(t, view, 0, "original")
}

func TestDeleteTombstonesMessage(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")
	h.api.remove = func(context.Context, messages.MessageID) error { return nil }

	if err := h.controller.DeleteMessage(context.Background(), 7); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	view := h.controller.Snapshot()
	if !view.Messages[0].IsDeleted {
		t.Fatalf("expected a tombstone, got %+v", view.Messages[0])
	}
	expectContent(t, view, 0, messages.TombstoneContent)

	err := h.controller.DeleteMessage(context.Background(), 7)
	expectErrorIs(t, err, messages.ErrAlreadyDeleted)
}

func TestPushDuringInFlightEditSupersedesRollback(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(7, "c1", userA, "original", t0))
	h.mustActivate(t, "c1")

	started := make(chan struct{})
	release := make(chan struct{})
	h.api.edit = func(context.Context, messages.MessageID, string) (messages.Record, error) {
		close(started)
		<-release
		return messages.Record{}, errors.New("timeout")
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.controller.EditMessage(context.Background(), 7, "local")
		done <- err
	}()
	<-started

	remote := record(7, "c1", userA, "from another device", t0)
	remote.IsEdited = true
	h.controller.HandlePushEvent(pushchannel.Event{Kind: pushchannel.EventMessageUpdated, Message: remote})
	close(release)
	expectErrorIs(t, <-done, ErrEditFailed)

	expectContent(t, h.controller.Snapshot(), 0, "from another device")
}

func TestSwitchingConversationDiscardsStaleFetch(t *testing.T) {
	h := newHarness(t)
	releaseA := make(chan struct{})
	startedA := make(chan struct{})
	h.api.list = func(_ context.Context, id messages.ConversationID, _ restclient.Page) (restclient.PageResult, error) {
		if id == "conversation-a" {
			close(startedA)
			<-releaseA
			return restclient.PageResult{Messages: []messages.Record{record(1, "conversation-a", userB, "from a", t0)}}, nil
		}
		return restclient.PageResult{Messages: []messages.Record{record(2, "conversation-b", userB, "from b", t0)}}, nil
	}

	resultA := make(chan error, 1)
	go func() {
		resultA <- h.controller.Activate(context.Background(), "conversation-a")
	}()
	<-startedA

	h.mustActivate(t, "conversation-b")
	close(releaseA)
	expectErrorIs(t, <-resultA, ErrSuperseded)

	view := h.controller.Snapshot()
	if view.ConversationID != "conversation-b" {
		t.Fatalf("expected conversation-b to be active, got %q", view.ConversationID)
	}
	expectIDs(t, view, 2)
	if count := h.channelCount(); count != 1 {
		t.Fatalf("expected the superseded activation never to open a channel, got %d channels", count)
	}
}

func TestConcurrentActivationsNeverOverlapChannels(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "conversation-x")
	closeStarted, releaseClose := h.channel(0).holdClose()

	resultA := make(chan error, 1)
	go func() {
		resultA <- h.controller.Activate(context.Background(), "conversation-a")
	}()
	<-closeStarted

	resultB := make(chan error, 1)
	go func() {
		resultB <- h.controller.Activate(context.Background(), "conversation-b")
	}()
	time.Sleep(20 * time.Millisecond)
	if count := h.channelCount(); count != 1 {
		t.Fatalf("expected no new channel while the previous one is closing, got %d channels", count)
	}

	releaseClose()
	if err := <-resultB; err != nil {
		t.Fatalf("activate conversation-b failed: %v", err)
	}
	if err := <-resultA; err != nil && !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected activate conversation-a to succeed or be superseded, got %v", err)
	}

	if view := h.controller.Snapshot(); view.ConversationID != "conversation-b" {
		t.Fatalf("expected conversation-b to be active, got %q", view.ConversationID)
	}
	if live := h.maxLiveChannels(); live != 1 {
		t.Fatalf("expected at most one live channel at a time, saw %d", live)
	}
}

func TestActivateClosesPreviousChannelFirst(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")
	first := h.channel(0)

	h.api.list = func(context.Context, messages.ConversationID, restclient.Page) (restclient.PageResult, error) {
		if !first.Closed() {
			t.Errorf("expected previous channel to be closed before fetching")
		}
		return restclient.PageResult{}, nil
	}
	h.mustActivate(t, "c2")
	if count := h.channelCount(); count != 2 {
		t.Fatalf("expected 2 channels, got %d", count)
	}
}

func TestReconnectRefreshesRestAndPushTokens(t *testing.T) {
	h := newHarness(t)

	expectErrorIs(t, h.controller.Reconnect("token-early"), ErrNotActive)
	if token := h.api.Token(); token != "token-early" {
		t.Fatalf("expected the REST token to update without a session, got %q", token)
	}

	h.mustActivate(t, "c1")
	if err := h.controller.Reconnect("token-b"); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if token := h.api.Token(); token != "token-b" {
		t.Fatalf("expected REST token token-b, got %q", token)
	}
	if _, token := h.channel(0).Target(); token != "token-b" {
		t.Fatalf("expected push channel reopened with token-b, got %q", token)
	}
}

func TestEventsForOtherConversationAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")

	h.controller.HandlePushEvent(pushchannel.Event{Kind: pushchannel.EventMessageCreated, Message: record(9, "c2", userB, "elsewhere", t0)})
	expectIDs(t, h.controller.Snapshot())
}

func TestAuthenticationFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.mustActivate(t, "c1")

	h.controller.HandlePushEvent(pushchannel.Event{
		Kind:  pushchannel.EventStateChanged,
		State: pushchannel.State{Phase: pushchannel.PhaseIdle, Err: pushchannel.ErrAuthentication},
	})

	state := h.controller.Snapshot().ChannelState
	if state.Phase != pushchannel.PhaseIdle {
		t.Fatalf("expected idle phase, got %v", state.Phase)
	}
	expectErrorIs(t, state.Err, pushchannel.ErrAuthentication)
}

func TestLoadOlderMergesPreviousPage(t *testing.T) {
	h := newHarness(t)
	h.api.list = func(_ context.Context, _ messages.ConversationID, page restclient.Page) (restclient.PageResult, error) {
		if page.Before == 0 {
			return restclient.PageResult{
				Messages: []messages.Record{
					record(4, "c1", userB, "d", t0.Add(4*time.Minute)),
					record(3, "c1", userB, "c", t0.Add(3*time.Minute)),
				},
				HasMore: true,
			}, nil
		}
		if page.Before != 3 {
			t.Errorf("expected cursor before 3, got %d", page.Before)
		}
		return restclient.PageResult{
			Messages: []messages.Record{
				record(2, "c1", userB, "b", t0.Add(2*time.Minute)),
				record(1, "c1", userB, "a", t0.Add(time.Minute)),
			},
		}, nil
	}
	h.mustActivate(t, "c1")

	added, err := h.controller.LoadOlder(context.Background())
	if err != nil || added != 2 {
		t.Fatalf("expected 2 older records, got %d (err=%v)", added, err)
	}

	view := h.controller.Snapshot()
	expectIDs(t, view, 1, 2, 3, 4)
	if view.HasMore {
		t.Fatalf("expected history to be exhausted")
	}

	added, err = h.controller.LoadOlder(context.Background())
	if err != nil || added != 0 {
		t.Fatalf("expected nothing more to load, got %d (err=%v)", added, err)
	}
}

func TestDeactivateDiscardsState(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(1, "c1", userB, "hello", t0))
	h.mustActivate(t, "c1")

	h.controller.Deactivate()

	if !h.channel(0).Closed() {
		t.Fatalf("expected the channel to be closed")
	}
	expectIDs(t, h.controller.Snapshot())
	_, err := h.controller.SendMessage(context.Background(), "hello")
	expectErrorIs(t, err, ErrNotActive)
}

func TestUpdatesDeliverLatestView(t *testing.T) {
	h := newHarness(t)
	h.api.list = staticPage(record(1, "c1", userB, "hello", t0))
	h.mustActivate(t, "c1")

	select {
	case view := <-h.controller.Updates():
		expectIDs(t, view, 1)
	case <-time.After(time.Second):
		t.Fatalf("expected a view update")
	}
}
