// Package chat implements the realtime synchronization engine: it maintains
// a locally consistent, ordered view of messages, per-message reactions and
// directory users by folding child-event streams into an in-memory snapshot
// and reconciling self-authorship on every identity transition.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relayroom/relayroom/internal/identity"
	"github.com/relayroom/relayroom/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingUserDirectory  = errors.New("chat: user directory is required")
	errMissingMessageStore   = errors.New("chat: message store is required")
	errMissingIdentitySource = errors.New("chat: identity source is required")
	errEngineStarted         = errors.New("chat: engine already started")

	noOpLogger = zap.NewNop()
)

const (
	opEngineStart    = "chat.engine.start"
	opMergeEvent     = "chat.engine.merge"
	opSendMessage    = "chat.send_message"
	opToggleReaction = "chat.toggle_reaction"
)

// Status reports whether the engine holds a complete baseline or is serving
// a best-effort partial view after a failed startup fetch.
type Status string

const (
	// StatusReady means the baseline loaded and live listeners are attached.
	StatusReady Status = "ready"
	// StatusDegraded means a baseline fetch failed; the engine keeps working
	// on whatever partial view it has, with no retry.
	StatusDegraded Status = "degraded"
)

// State is the derived view exposed to the presentation layer. Messages are
// ordered newest-first and every entry carries resolved author and isSelf.
type State struct {
	Identity identity.State
	Messages []Message
	Status   Status
}

// EngineConfig describes the collaborators the engine is wired to.
type EngineConfig struct {
	Users    store.UserDirectory
	Messages store.MessageStore
	Identity identity.Source
	Logger   *zap.Logger
	Clock    func() time.Time
	// ApplyRemovals enables real handling of remote Removed events. Off by
	// default: the stock behavior accepts removals as no-ops.
	ApplyRemovals bool
}

// Engine owns the authoritative in-memory message list and the command
// surface. All mutation happens on the engine's own event goroutine; the
// presentation layer only reads published state and invokes commands.
type Engine struct {
	users         store.UserDirectory
	messages      store.MessageStore
	identities    identity.Source
	logger        *zap.Logger
	clock         func() time.Time
	applyRemovals bool

	mu      sync.Mutex
	cache   *userCache
	merge   *mergeState
	current identity.State
	status  Status
	started bool

	subscriberMu sync.Mutex
	subscribers  map[int64]chan State
	nextID       int64

	done      chan struct{}
	closeOnce sync.Once

	cleanupMu sync.Mutex
	cleanups  []func()
}

// NewEngine constructs an engine; Start must be called before commands have
// any effect on remote state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Users == nil {
		return nil, errMissingUserDirectory
	}
	if cfg.Messages == nil {
		return nil, errMissingMessageStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentitySource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		users:         cfg.Users,
		messages:      cfg.Messages,
		identities:    cfg.Identity,
		logger:        logger,
		clock:         clock,
		applyRemovals: cfg.ApplyRemovals,
		cache:         newUserCache(),
		merge:         newMergeState(),
		current:       identity.State{Phase: identity.PhaseUnknown},
		status:        StatusReady,
		subscribers:   make(map[int64]chan State),
		done:          make(chan struct{}),
	}, nil
}

// Start performs the baseline fetches (users first, then messages with
// nested reactions), attaches the live listeners strictly afterwards, and
// launches the event goroutine. Baseline failures are handled locally: the
// engine logs, marks itself degraded and keeps serving whatever it has.
// Identity tracking always starts, so a later sign-in reaches a degraded
// engine and its commands.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errEngineStarted
	}
	e.started = true
	e.current = e.identities.Current()
	e.mu.Unlock()

	var userEvents <-chan store.UserEvent
	var messageEvents <-chan store.MessageEvent

	// A failed users baseline skips the messages baseline entirely: an
	// empty view beats one full of unresolvable authors.
	userSnapshots, err := e.users.SnapshotUsers(ctx)
	if err != nil {
		e.logError(opEngineStart, "users_baseline_failed", err)
		e.setDegraded()
	} else {
		e.mu.Lock()
		for key, snapshot := range userSnapshots {
			e.cache.upsert(materializeUser(key, snapshot))
		}
		e.mu.Unlock()

		userEvents, err = e.watchUsers(ctx)
		if err != nil {
			e.logError(opEngineStart, "users_watch_failed", err)
			e.setDegraded()
		}

		// The users baseline is installed before the messages baseline is
		// built, so author lookups during materialization never race an
		// empty cache.
		messageEvents, err = e.loadMessageBaseline(ctx)
		if err != nil {
			e.logError(opEngineStart, "messages_baseline_failed", err)
			e.setDegraded()
		}
	}

	identityStates, cancelIdentity := e.identities.Subscribe(ctx)
	e.addCleanup(cancelIdentity)

	go e.run(userEvents, messageEvents, identityStates)

	e.publish()
	return nil
}

func (e *Engine) watchUsers(ctx context.Context) (<-chan store.UserEvent, error) {
	userEvents, cancelUsers, err := e.users.WatchUsers(ctx)
	if err != nil {
		return nil, err
	}
	e.addCleanup(cancelUsers)
	return userEvents, nil
}

func (e *Engine) loadMessageBaseline(ctx context.Context) (<-chan store.MessageEvent, error) {
	keyed, err := e.messages.SnapshotMessages(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	currentUserID, _ := e.current.SignedInUser()
	now := e.clock().UnixMilli()
	baseline := make([]Message, 0, len(keyed))
	for _, entry := range keyed {
		message, materializeErr := materializeMessage(entry.Key, entry.Snapshot, e.cache, currentUserID, now)
		if materializeErr != nil {
			e.logger.Warn("skipping malformed message record",
				zap.String("operation", opEngineStart),
				zap.String("message_id", entry.Key),
				zap.Error(materializeErr))
			continue
		}
		baseline = append(baseline, message)
	}
	// Snapshot order is oldest-first; the list is kept newest-first.
	reverseMessages(baseline)
	e.merge.seed(baseline)
	e.mu.Unlock()

	// Attach exactly once, strictly after the baseline is installed, so no
	// event is both counted in the baseline and replayed live.
	messageEvents, cancelMessages, err := e.messages.WatchMessages(ctx)
	if err != nil {
		return nil, err
	}
	e.addCleanup(cancelMessages)
	return messageEvents, nil
}

func (e *Engine) run(userEvents <-chan store.UserEvent, messageEvents <-chan store.MessageEvent, identityStates <-chan identity.State) {
	for {
		select {
		case <-e.done:
			return
		case event, ok := <-userEvents:
			if !ok {
				userEvents = nil
				continue
			}
			e.handleUserEvent(event)
		case event, ok := <-messageEvents:
			if !ok {
				messageEvents = nil
				continue
			}
			if e.handleMessageEvent(event) {
				e.publish()
			}
		case next, ok := <-identityStates:
			if !ok {
				identityStates = nil
				continue
			}
			if e.handleIdentityState(next) {
				e.publish()
			}
		}
	}
}

func (e *Engine) handleUserEvent(event store.UserEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch event.Type {
	case store.EventAdded:
		// First arrival wins; a replayed Added for a cached user is a no-op.
		if e.cache.get(event.Key) != nil {
			return
		}
		e.cache.upsert(materializeUser(event.Key, event.Snapshot))
	case store.EventChanged:
		e.cache.upsert(materializeUser(event.Key, event.Snapshot))
	case store.EventRemoved:
		// Users are never deleted in-session.
	}
}

func (e *Engine) handleMessageEvent(event store.MessageEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch event.Type {
	case store.EventAdded, store.EventChanged:
		currentUserID, _ := e.current.SignedInUser()
		message, err := materializeMessage(event.Key, event.Snapshot, e.cache, currentUserID, e.clock().UnixMilli())
		if err != nil {
			e.logger.Warn("skipping malformed message record",
				zap.String("operation", opMergeEvent),
				zap.String("message_id", event.Key),
				zap.Error(err))
			return false
		}
		if event.Type == store.EventAdded {
			return e.merge.applyAdded(message)
		}
		return e.merge.applyChanged(message)
	case store.EventRemoved:
		return e.merge.applyRemoved(event.Key, e.applyRemovals)
	}
	return false
}

func (e *Engine) handleIdentityState(next identity.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.current
	if next == previous {
		return false
	}
	e.current = next
	if shouldReconcile(previous, next) {
		currentUserID, _ := next.SignedInUser()
		e.merge.messages = reconcileMessages(e.merge.messages, currentUserID)
	}
	return true
}

// ObserveState returns the live derived-state stream. The current state is
// delivered immediately; afterwards a new value is delivered whenever the
// derived view actually changes. Slow consumers only ever lose intermediate
// values, never the latest one.
func (e *Engine) ObserveState(ctx context.Context) (<-chan State, func()) {
	stream := make(chan State, 1)
	e.subscriberMu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[id] = stream
	e.subscriberMu.Unlock()

	stream <- e.currentState()

	cancel := func() {
		e.subscriberMu.Lock()
		delete(e.subscribers, id)
		e.subscriberMu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-e.done:
		}
	}()
	return stream, cancel
}

// SendMessage appends a message authored by the current user with a
// sender-clock timestamp. Silently ignored while not signed in. The local
// list is not touched here: the echo arrives through the live listener.
// Write failures are logged, not surfaced.
func (e *Engine) SendMessage(ctx context.Context, text string) {
	currentUserID, ok := e.signedInUser()
	if !ok {
		e.logger.Debug("send ignored while not signed in", zap.String("operation", opSendMessage))
		return
	}
	if text == "" {
		return
	}
	createdAt := e.clock().UnixMilli()
	snapshot := store.MessageSnapshot{
		Text:      &text,
		AuthorID:  &currentUserID,
		CreatedAt: &createdAt,
	}
	if _, err := e.messages.AppendMessage(ctx, snapshot); err != nil {
		e.logError(opSendMessage, "append_failed", err)
	}
}

// ToggleReaction adds the current user's reaction with the given emoji to
// the message, or removes it when one already exists. No-op while not
// signed in or when the message key is unknown. This is a read-then-write
// without a transactional guard: concurrent toggles by the same user on two
// clients can double-add, a limitation of the backing store's write
// primitives.
func (e *Engine) ToggleReaction(ctx context.Context, emoji, messageID string) {
	currentUserID, ok := e.signedInUser()
	if !ok {
		e.logger.Debug("toggle ignored while not signed in", zap.String("operation", opToggleReaction))
		return
	}

	e.mu.Lock()
	message, found := e.merge.lookup(messageID)
	e.mu.Unlock()
	if !found {
		e.logger.Debug("toggle ignored for unknown message",
			zap.String("operation", opToggleReaction),
			zap.String("message_id", messageID))
		return
	}

	var existing *Reaction
	for index := range message.Reactions {
		if message.Reactions[index].IsSelf && message.Reactions[index].Emoji == emoji {
			existing = &message.Reactions[index]
			break
		}
	}

	if existing != nil {
		if err := e.messages.RemoveReaction(ctx, messageID, existing.ID); err != nil {
			e.logError(opToggleReaction, "remove_failed", err,
				zap.String("message_id", messageID),
				zap.String("reaction_id", existing.ID))
		}
		return
	}

	createdAt := e.clock().UnixMilli()
	snapshot := store.ReactionSnapshot{
		Emoji:     &emoji,
		AuthorID:  &currentUserID,
		CreatedAt: &createdAt,
	}
	if _, err := e.messages.AddReaction(ctx, messageID, snapshot); err != nil {
		e.logError(opToggleReaction, "add_failed", err, zap.String("message_id", messageID))
	}
}

// Close detaches every active listener. Idempotent and safe from any
// lifecycle point; in-flight baseline fetches are allowed to complete.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.cleanupMu.Lock()
		cleanups := e.cleanups
		e.cleanups = nil
		e.cleanupMu.Unlock()
		for _, cleanup := range cleanups {
			cleanup()
		}
	})
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Identity: e.current,
		Messages: e.merge.snapshot(),
		Status:   e.status,
	}
}

func (e *Engine) publish() {
	// Snapshot under the subscriber lock so concurrent publishers cannot
	// deliver an older snapshot after a newer one.
	e.subscriberMu.Lock()
	defer e.subscriberMu.Unlock()
	snapshot := e.currentState()
	for _, stream := range e.subscribers {
		// Coalesce: replace a stale undelivered value with the latest.
		select {
		case stream <- snapshot:
		default:
			select {
			case <-stream:
			default:
			}
			select {
			case stream <- snapshot:
			default:
			}
		}
	}
}

func (e *Engine) addCleanup(cleanup func()) {
	e.cleanupMu.Lock()
	e.cleanups = append(e.cleanups, cleanup)
	e.cleanupMu.Unlock()
}

func (e *Engine) signedInUser() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.SignedInUser()
}

func (e *Engine) setDegraded() {
	e.mu.Lock()
	e.status = StatusDegraded
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("chat engine error", attrs...)
}

func reverseMessages(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
