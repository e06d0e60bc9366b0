package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/metrics"
)

const defaultMessageLimit = 50

type LiveQueryConfig struct {
	Rooms    domain.RoomStore
	Messages domain.MessageStore
	Events   *EventBus
	Logger   *slog.Logger
}

// LiveQuery turns store mutation events into fresh query snapshots.
// Every subscription re-runs its query on its own goroutine when a relevant
// event arrives; bursts of events collapse into a single refresh.
type LiveQuery struct {
	rooms    domain.RoomStore
	messages domain.MessageStore
	events   *EventBus
	logger   *slog.Logger

	mu        sync.Mutex
	subs      map[int]*liveSub
	nextID    int
	handlerID string
}

var _ domain.Subscriber = (*LiveQuery)(nil)

func NewLiveQuery(cfg LiveQueryConfig) *LiveQuery {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lq := &LiveQuery{
		rooms:    cfg.Rooms,
		messages: cfg.Messages,
		events:   cfg.Events,
		logger:   cfg.Logger,
		subs:     make(map[int]*liveSub),
	}
	lq.handlerID = cfg.Events.On("*", lq.onEvent)
	return lq
}

// Subscribe validates q, starts following it and queues the initial snapshot.
// The subscription ends on Unsubscribe or when ctx is done; the Snapshots
// channel is closed afterwards.
func (lq *LiveQuery) Subscribe(ctx context.Context, q domain.Query) (domain.Subscription, error) {
	switch q.Kind {
	case domain.QueryRooms:
	case domain.QueryMessages:
		if q.RoomID == "" {
			return nil, fmt.Errorf("messages query requires a room id: %w", domain.ErrInvalid)
		}
		room, err := lq.rooms.GetRoom(ctx, q.RoomID)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", q.RoomID, err)
		}
		if room == nil {
			return nil, fmt.Errorf("room %s: %w", q.RoomID, domain.ErrNotFound)
		}
		if q.Limit <= 0 {
			q.Limit = defaultMessageLimit
		}
	default:
		return nil, fmt.Errorf("unknown query kind %q: %w", q.Kind, domain.ErrInvalid)
	}

	sub := &liveSub{
		lq:    lq,
		q:     q,
		out:   make(chan domain.Snapshot, 1),
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	lq.mu.Lock()
	lq.nextID++
	sub.id = lq.nextID
	lq.subs[sub.id] = sub
	lq.mu.Unlock()
	metrics.LiveSubscriptions.Inc()

	go sub.run(ctx)
	return sub, nil
}

// Active returns the number of live subscriptions.
func (lq *LiveQuery) Active() int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return len(lq.subs)
}

// Close ends every subscription and detaches from the event bus.
func (lq *LiveQuery) Close() {
	lq.events.Off("*", lq.handlerID)
	lq.mu.Lock()
	subs := make([]*liveSub, 0, len(lq.subs))
	for _, s := range lq.subs {
		subs = append(subs, s)
	}
	lq.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (lq *LiveQuery) remove(id int) {
	lq.mu.Lock()
	delete(lq.subs, id)
	lq.mu.Unlock()
	metrics.LiveSubscriptions.Dec()
}

func (lq *LiveQuery) onEvent(e Event) {
	roomID := e.PayloadString("room_id")

	lq.mu.Lock()
	defer lq.mu.Unlock()
	for _, s := range lq.subs {
		switch s.q.Kind {
		case domain.QueryRooms:
			switch e.Type {
			case EventRoomCreated, EventRoomUpdated, EventRoomDeleted, EventMemberAdded, EventMessageCreated:
				s.markDirty()
			}
		case domain.QueryMessages:
			if s.q.RoomID != roomID {
				continue
			}
			switch e.Type {
			case EventMessageCreated:
				s.markDirty()
			case EventRoomDeleted:
				s.deleted.Store(true)
				s.markDirty()
			}
		}
	}
}

func (lq *LiveQuery) load(ctx context.Context, q domain.Query) (domain.Snapshot, error) {
	snap := domain.Snapshot{Query: q, At: time.Now()}
	var err error
	switch q.Kind {
	case domain.QueryRooms:
		snap.Rooms, err = lq.rooms.ListRooms(ctx, q.MemberID, q.Limit)
	case domain.QueryMessages:
		snap.Messages, err = lq.messages.ListMessages(ctx, q.RoomID, q.Limit)
	}
	return snap, err
}

type liveSub struct {
	lq      *LiveQuery
	id      int
	q       domain.Query
	out     chan domain.Snapshot
	dirty   chan struct{}
	done    chan struct{}
	once    sync.Once
	deleted atomic.Bool
}

func (s *liveSub) Snapshots() <-chan domain.Snapshot { return s.out }

func (s *liveSub) Unsubscribe() {
	s.once.Do(func() {
		s.lq.remove(s.id)
		close(s.done)
	})
}

func (s *liveSub) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *liveSub) run(ctx context.Context) {
	defer close(s.out)
	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case <-s.done:
			return
		case <-s.dirty:
			if s.deleted.Load() {
				s.deliver(domain.Snapshot{Query: s.q, Deleted: true, At: time.Now()})
				s.Unsubscribe()
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *liveSub) refresh(ctx context.Context) {
	snap, err := s.lq.load(ctx, s.q)
	if err != nil {
		if ctx.Err() == nil {
			s.lq.logger.Warn("live query refresh failed", "kind", s.q.Kind, "room", s.q.RoomID, "err", err)
		}
		return
	}
	s.deliver(snap)
}

// deliver replaces any undelivered snapshot with snap.
func (s *liveSub) deliver(snap domain.Snapshot) {
	for {
		select {
		case s.out <- snap:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}
