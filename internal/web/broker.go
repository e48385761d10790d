package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/autopilot/internal/autopilot"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/session"
)

// MessageBroker turns GUI messages into autopilot calls and publishes
// session state to the hub.
type MessageBroker struct {
	sessions *session.Manager
	hub      *Hub
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watched map[string]func()
}

// NewMessageBroker creates a new message broker
func NewMessageBroker(sessions *session.Manager, hub *Hub, log *logger.Logger) *MessageBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBroker{
		sessions: sessions,
		hub:      hub,
		log:      logger.OrNop(log).WithPrefix("broker"),
		ctx:      ctx,
		cancel:   cancel,
		watched:  make(map[string]func()),
	}
}

// Attach connects c to the session with id, or to a new session when id is
// empty, and sends it the current state.
func (mb *MessageBroker) Attach(c *Client, id string) error {
	var (
		s   *session.Session
		err error
	)
	if id == "" {
		s, err = mb.sessions.Create()
	} else {
		s, err = mb.sessions.Open(id)
	}
	if err != nil {
		return err
	}

	mb.Watch(s)
	c.attach(s)
	msg, err := stateMessage(s.Autopilot().FullState())
	if err != nil {
		return err
	}
	c.trySend(msg)
	return nil
}

// Watch publishes every state change of s to the clients attached to it.
func (mb *MessageBroker) Watch(s *session.Session) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.watched[s.ID()]; ok {
		return
	}
	id := s.ID()
	mb.watched[id] = s.Autopilot().OnUpdate(func(state core.FullState) {
		msg, err := stateMessage(state)
		if err != nil {
			mb.log.Error("failed to encode state of %s: %v", id, err)
			return
		}
		mb.hub.Broadcast(id, msg)
	})
}

// Forget stops publishing the session with id.
func (mb *MessageBroker) Forget(id string) {
	mb.mu.Lock()
	unsubscribe, ok := mb.watched[id]
	delete(mb.watched, id)
	mb.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// Close cancels running requests and waits for them to return.
func (mb *MessageBroker) Close() {
	mb.cancel()
	mb.wg.Wait()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	for id, unsubscribe := range mb.watched {
		unsubscribe()
		delete(mb.watched, id)
	}
}

// Handle dispatches one GUI message. Requests that run steps return
// immediately; their failures become error nodes in the session.
func (mb *MessageBroker) Handle(c *Client, msg *WebMessage) error {
	var d InboundData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return fmt.Errorf("%s: bad data: %w", msg.MessageType, err)
		}
	}

	if msg.MessageType == MessageTypeLoadSession {
		return mb.Attach(c, d.SessionID)
	}

	s := c.Session()
	if s == nil {
		return fmt.Errorf("%s: no session loaded", msg.MessageType)
	}
	ap := s.Autopilot()

	switch msg.MessageType {
	case MessageTypeMainInput:
		mb.async(ap, func(ctx context.Context) error { return ap.AcceptUserInput(ctx, d.Input) })

	case MessageTypeStepUserInput:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		ap.GiveUserInput(d.Input, index)

	case MessageTypeRefinementInput:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		mb.async(ap, func(ctx context.Context) error { return ap.AcceptRefinementInput(ctx, d.Input, index) })

	case MessageTypeReverseToIndex:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		mb.async(ap, func(ctx context.Context) error { return ap.ReverseToIndex(ctx, index) })

	case MessageTypeRetryAtIndex:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		return ap.RetryAtIndex(index)

	case MessageTypeClearHistory:
		mb.async(ap, ap.ClearHistory)

	case MessageTypeDeleteAtIndex:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		return ap.DeleteAtIndex(index)

	case MessageTypeDeleteContextWithIDs:
		ap.DeleteContextWithIDs(d.IDs)

	case MessageTypeSelectContextItem:
		mb.async(ap, func(ctx context.Context) error { return ap.SelectContextItem(ctx, d.ID, d.Query) })

	case MessageTypeShowLogsAtIndex:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		logs, err := ap.LogsAtIndex(index)
		if err != nil {
			return err
		}
		reply, err := newMessage(MessageTypeLogs, LogsData{Index: index, Logs: logs})
		if err != nil {
			return err
		}
		c.trySend(reply)

	case MessageTypeEditStepAtIndex:
		index, err := d.index(msg.MessageType)
		if err != nil {
			return err
		}
		mb.async(ap, func(ctx context.Context) error { return ap.EditStepAtIndex(ctx, d.UserInput, index) })

	case MessageTypeSetSessionTitle:
		info := ap.SessionInfo()
		if info == nil {
			return fmt.Errorf("%s: session has no info", msg.MessageType)
		}
		info.Title = d.Title
		ap.SetSessionInfo(*info)

	default:
		return fmt.Errorf("unknown message type %q", msg.MessageType)
	}
	return nil
}

// async runs fn outside of the read loop so the GUI can keep talking to
// the session while steps run.
func (mb *MessageBroker) async(ap *autopilot.Autopilot, fn func(ctx context.Context) error) {
	mb.wg.Add(1)
	go func() {
		defer mb.wg.Done()
		err := fn(mb.ctx)
		if err == nil || errors.Is(err, autopilot.ErrHalted) || errors.Is(err, context.Canceled) {
			return
		}
		mb.log.Warn("request failed: %v", err)
		ap.ReportError(err)
	}()
}
