package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chimera/internal/core"
	"chimera/internal/events"
	"chimera/internal/logging"
	"chimera/internal/tools"
)

// conn is one control plane connection. A connection may act as a worker
// node (after register), an intent client, an event subscriber, or any
// mix; the frame type selects the role per message.
//
// conn implements nodes.Transport: the registry delivers dispatch frames
// through Send and closes the socket on Disconnect.
type conn struct {
	srv  *Server
	core *core.Core
	ws   *websocket.Conn
	peer string

	// writeMu serializes frame writes; Send is called from the registry,
	// event forwarders, the intent worker, and the read loop.
	writeMu sync.Mutex

	// nodeID and subs are owned by the read loop goroutine: handlers and
	// teardown both run there, so neither needs a lock.
	nodeID string
	subs   map[string]*events.Subscription

	intents   chan intentJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type intentJob struct {
	planID string
	text   string
}

func newConn(s *Server, ws *websocket.Conn, peer string) *conn {
	return &conn{
		srv:     s,
		core:    s.core,
		ws:      ws,
		peer:    peer,
		subs:    make(map[string]*events.Subscription),
		intents: make(chan intentJob, intentQueueDepth),
		done:    make(chan struct{}),
	}
}

// run processes frames until the socket closes, then releases everything
// the connection acquired: node registration, subscriptions, workers.
func (c *conn) run(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)

	c.wg.Add(1)
	go c.intentWorker(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(data)
	}

	c.teardown()
}

func (c *conn) teardown() {
	close(c.done)

	if c.nodeID != "" {
		// Disconnect closes the transport (this conn) and publishes
		// node_disconnected.
		c.core.Nodes().Disconnect(c.nodeID, "connection closed")
	}
	for _, sub := range c.subs {
		c.core.Broker().Unsubscribe(sub)
	}
	c.subs = nil

	_ = c.Close()
	c.wg.Wait()
}

// Send delivers one frame to the peer. Implements nodes.Transport.
func (c *conn) Send(frame interface{}) error {
	return c.send(frame)
}

// Close closes the underlying socket. Implements nodes.Transport; also
// called during server drain. Safe to call more than once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

func (c *conn) send(frame interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

func (c *conn) sendError(kind tools.ErrorKind, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.ControlDebug("Error reply to %s: %s: %s", c.peer, kind, msg)
	if err := c.send(errorFrame{Type: frameError, Kind: string(kind), Message: msg}); err != nil {
		logging.ControlDebug("Error frame to %s not delivered: %v", c.peer, err)
	}
}

// handleFrame decodes and routes one inbound payload. Malformed frames
// and unknown types draw an error reply but keep the connection open;
// only authentication failures tear it down.
func (c *conn) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError(tools.KindProtocolError, "malformed frame: %v", err)
		return
	}

	switch f.Type {
	case frameRegister:
		c.handleRegister(&f)
	case frameHeartbeat:
		c.handleHeartbeat(&f)
	case frameIntent:
		c.handleIntent(&f)
	case frameResult:
		c.handleResult(&f)
	case frameSubscribe:
		c.handleSubscribe(&f)
	case frameUnsubscribe:
		c.handleUnsubscribe(&f)
	case "":
		c.sendError(tools.KindProtocolError, "frame missing type")
	default:
		c.sendError(tools.KindProtocolError, "unknown frame type %q", f.Type)
	}
}

// handleRegister admits a worker node. The signature covers the frame
// body plus a nonce and timestamp; any verification failure burns one
// rate-limit token for the peer and closes the connection.
func (c *conn) handleRegister(f *inboundFrame) {
	if c.core.Config().Nodes.SharedSecret == "" {
		c.sendError(tools.KindAuthFailed, "node registration disabled: no shared secret configured")
		_ = c.Close()
		return
	}
	if c.srv.guard.Blocked(c.peer) {
		logging.ControlWarn("Registration refused for rate-limited peer %s", c.peer)
		c.sendError(tools.KindAuthFailed, "too many failed authentication attempts")
		_ = c.Close()
		return
	}
	if c.nodeID != "" {
		c.sendError(tools.KindProtocolError, "connection already registered as node %s", c.nodeID)
		return
	}
	if f.NodeType == "" || f.Nonce == "" || f.Signature == "" || f.Timestamp == 0 {
		c.sendError(tools.KindProtocolError, "register frame missing required fields")
		return
	}

	err := c.core.Auth().VerifyRegistration(f.NodeType, f.Capabilities, f.Resources, f.Nonce, f.Signature, time.Unix(f.Timestamp, 0))
	if err != nil {
		c.srv.guard.Fail(c.peer)
		logging.ControlWarn("Registration rejected for %s: %v", c.peer, err)
		c.sendError(tools.KindAuthFailed, "registration rejected")
		_ = c.Close()
		return
	}

	node, err := c.core.Nodes().Register(f.NodeType, f.Capabilities, f.Resources, c)
	if err != nil {
		logging.ControlError("Node admission failed for %s: %v", c.peer, err)
		c.sendError(tools.KindInternalInvariant, "node admission failed")
		return
	}
	c.nodeID = node.ID

	logging.Control("Node %s registered from %s (type=%s)", node.ID, c.peer, f.NodeType)
	if err := c.send(registeredFrame{Type: frameRegistered, NodeID: node.ID}); err != nil {
		logging.ControlDebug("Registered frame to %s not delivered: %v", c.peer, err)
	}
}

// handleHeartbeat refreshes the registered node's liveness. Heartbeats
// are only accepted for the node registered on this connection, so a
// peer cannot keep someone else's registration alive.
func (c *conn) handleHeartbeat(f *inboundFrame) {
	if f.NodeID == "" || f.Signature == "" {
		c.sendError(tools.KindProtocolError, "heartbeat frame missing required fields")
		return
	}
	if f.NodeID != c.nodeID {
		c.sendError(tools.KindProtocolError, "heartbeat for a node not registered on this connection")
		return
	}
	if err := c.core.Auth().VerifyHeartbeat(f.NodeID, f.Resources, f.Signature); err != nil {
		c.srv.guard.Fail(c.peer)
		logging.ControlWarn("Heartbeat rejected for node %s: %v", f.NodeID, err)
		c.sendError(tools.KindAuthFailed, "heartbeat rejected")
		_ = c.Close()
		return
	}
	if err := c.core.Nodes().Heartbeat(f.NodeID, f.Resources); err != nil {
		c.sendError(tools.KindProtocolError, "heartbeat: %v", err)
		return
	}
	if err := c.send(pongFrame{Type: framePong, TS: time.Now().Unix()}); err != nil {
		logging.ControlDebug("Pong to %s not delivered: %v", c.peer, err)
	}
}

// handleIntent queues a client command for the connection's worker. The
// worker runs plans one at a time in arrival order, so result frames
// come back in submission order.
func (c *conn) handleIntent(f *inboundFrame) {
	if f.Intent == "" {
		c.sendError(tools.KindProtocolError, "intent frame missing intent text")
		return
	}
	job := intentJob{planID: uuid.NewString(), text: f.Intent}
	select {
	case c.intents <- job:
		logging.ControlDebug("Intent %s queued from %s", job.planID, c.peer)
	default:
		c.sendError(tools.KindProtocolError, "intent queue full")
	}
}

// handleResult settles a dispatched task. Only the connection that
// registered the node may deliver its results.
func (c *conn) handleResult(f *inboundFrame) {
	if f.NodeID == "" || f.TaskID == "" || f.OK == nil {
		c.sendError(tools.KindProtocolError, "result frame missing required fields")
		return
	}
	if f.NodeID != c.nodeID {
		c.sendError(tools.KindProtocolError, "result from a node not registered on this connection")
		return
	}
	if err := c.core.HandleNodeResult(f.NodeID, f.TaskID, *f.OK, f.Data, f.Error); err != nil {
		c.sendError(tools.KindProtocolError, "result rejected: %v", err)
	}
}

// handleSubscribe attaches an event stream for a client id. An empty
// event_type subscribes to everything; subscribing again under the same
// client id replaces the previous stream. Past events are not replayed.
func (c *conn) handleSubscribe(f *inboundFrame) {
	if f.ClientID == "" {
		c.sendError(tools.KindProtocolError, "subscribe_events frame missing client_id")
		return
	}

	sub := c.core.Broker().Subscribe(f.ClientID, events.EventType(f.EventType))
	if old, ok := c.subs[f.ClientID]; ok {
		c.core.Broker().Unsubscribe(old)
	}
	c.subs[f.ClientID] = sub

	logging.ControlDebug("Subscriber %s attached on %s (filter=%q)", f.ClientID, c.peer, f.EventType)
	c.wg.Add(1)
	go c.forwardEvents(sub)
}

// handleUnsubscribe detaches a client id's stream. Unknown ids are a
// no-op so the operation is idempotent.
func (c *conn) handleUnsubscribe(f *inboundFrame) {
	if f.ClientID == "" {
		c.sendError(tools.KindProtocolError, "unsubscribe_events frame missing client_id")
		return
	}
	sub, ok := c.subs[f.ClientID]
	if !ok {
		return
	}
	delete(c.subs, f.ClientID)
	c.core.Broker().Unsubscribe(sub)
}

// forwardEvents relays one subscription's stream until it is detached or
// the socket dies. The subscription's channel is closed by Unsubscribe,
// either from an unsubscribe_events frame or from teardown.
func (c *conn) forwardEvents(sub *events.Subscription) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		if err := c.send(eventFrame{Type: frameEvent, Event: ev}); err != nil {
			logging.ControlDebug("Event stream to %s broken: %v", c.peer, err)
			return
		}
	}
}

// intentWorker drains the intent queue. Plans run under the server's run
// context rather than the connection's lifetime: a client that submits
// an intent and drops off does not abort work already dispatched.
func (c *conn) intentWorker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case job := <-c.intents:
			res := c.core.SubmitIntent(ctx, job.text)
			frame := resultFrame{Type: frameResult, PlanID: job.planID, OK: res.OK, Data: res.Data}
			if res.Error != nil {
				frame.Error = &resultError{Kind: string(res.Error.Kind), Message: res.Error.Message}
			}
			if err := c.send(frame); err != nil {
				logging.ControlDebug("Result for plan %s not delivered: %v", job.planID, err)
			}
		}
	}
}
