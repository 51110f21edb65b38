// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"

	"github.com/bureau-foundation/tandem/correlate"
	"github.com/bureau-foundation/tandem/wire"
)

// The handlers below serve the first leg of each peer-initiated
// exchange. They run inside Write's task, on the execution context.

func (c *Coordinator) handleInit(exchange correlate.Exchange) {
	acknowledge := func() {
		if err := exchange.Finish(nil); err != nil {
			c.logger.Warn("acknowledging init", "error", err)
		}
	}
	if c.enterRunning(acknowledge) {
		return
	}
	if c.State() == StateRunning {
		// The peer restarted its side or both sides are active.
		c.logger.Debug("init received while running")
		acknowledge()
	}
}

func (c *Coordinator) handleStreamAdded(exchange correlate.Exchange) {
	var body streamAddedMessage
	if err := exchange.Decode(&body); err != nil || !wire.ValidStreamID(body.ID) {
		if err == nil {
			err = fmt.Errorf("%w: got %d bytes", ErrInvalidStreamID, len(body.ID))
		}
		c.metrics.dropped("invalid_message")
		c.logger.Warn("rejecting invalid streamAdded", "stream_id", body.ID, "error", err)
		if err := exchange.Finish(streamAddedReply{Error: err.Error()}); err != nil {
			c.logger.Warn("replying to streamAdded", "error", err)
		}
		return
	}
	if c.deferWhileWaiting(func() { c.handleStreamAdded(exchange) }) {
		c.logger.Debug("holding streamAdded until running", "stream_id", body.ID)
		return
	}
	if c.State() != StateRunning {
		return
	}

	id, meta := body.ID, body.Meta
	conn, err := c.adaptor.Receive(id)
	if err != nil {
		c.logger.Error("creating receiver connection", "stream_id", id, "error", err)
		if err := exchange.Finish(streamAddedReply{Error: err.Error()}); err != nil {
			c.logger.Warn("replying to streamAdded", "stream_id", id, "error", err)
		}
		return
	}
	if !c.installReceiver(conn, func(stream Stream) {
		c.emit(Event{Type: EventStreamAdded, StreamID: id, Stream: stream, Meta: meta})
	}) {
		return
	}
	if err := exchange.Finish(nil); err != nil {
		c.logger.Warn("replying to streamAdded", "stream_id", id, "error", err)
	}
}

func (c *Coordinator) handleStreamRemoved(exchange correlate.Exchange) {
	var body streamRemovedMessage
	if err := exchange.Decode(&body); err != nil {
		c.metrics.dropped("invalid_message")
		c.logger.Warn("dropping invalid streamRemoved", "error", err)
		return
	}
	if c.deferWhileWaiting(func() { c.handleStreamRemoved(exchange) }) {
		return
	}

	c.mu.Lock()
	conn := c.remote.remove(body.ID)
	_, recovering := c.recovering[body.ID]
	delete(c.recovering, body.ID)
	c.mu.Unlock()

	if conn != nil {
		c.closeConnection(conn)
	}
	if conn != nil || recovering {
		c.emit(Event{Type: EventStreamRemoved, StreamID: body.ID})
	}
	if err := exchange.Finish(nil); err != nil {
		c.logger.Warn("replying to streamRemoved", "stream_id", body.ID, "error", err)
	}
}

func (c *Coordinator) handleClosed(exchange correlate.Exchange) {
	var body closedMessage
	if err := exchange.Decode(&body); err != nil {
		c.logger.Debug("closed message has no readable reason", "error", err)
	}
	teardown, ok := c.markClosed()
	if !ok {
		return
	}
	c.finishClose(teardown, true, body.Reason)
}

// handleConnectionClosed runs on the side that owns the stream when
// the peer's receiver for it has failed. It discards the dead sender,
// waits for the peer to stand up a fresh receiver, then connects a
// fresh sender to it.
func (c *Coordinator) handleConnectionClosed(exchange correlate.Exchange) {
	var body connectionClosedMessage
	if err := exchange.Decode(&body); err != nil {
		c.metrics.dropped("invalid_message")
		c.logger.Warn("dropping invalid connectionClosed", "error", err)
		return
	}
	id := body.ID

	c.mu.Lock()
	conn := c.local.remove(id)
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("peer lost a stream we do not have", "stream_id", id)
		if err := exchange.Finish(connectionClosedReply{StreamNotFound: true}); err != nil {
			c.logger.Warn("replying to connectionClosed", "stream_id", id, "error", err)
		}
		return
	}

	stream := conn.Stream()
	c.closeConnection(conn)
	c.logger.Info("peer lost stream connection, reconnecting", "stream_id", id)

	exchange.Continue(nil).Then(c.continuation(func(reply correlate.Exchange, err error) {
		if err != nil {
			c.logger.Warn("stream recovery abandoned", "stream_id", id, "error", err)
			return
		}
		var result connectionClosedReply
		if err := reply.Decode(&result); err != nil {
			c.logger.Warn("stream recovery abandoned", "stream_id", id, "error", err)
			return
		}
		if result.Error != "" {
			c.logger.Warn("peer could not recreate receiver", "stream_id", id, "error", result.Error)
			return
		}
		if c.State() != StateRunning {
			return
		}

		replacement, err := c.adaptor.Connect(stream)
		if err != nil {
			c.logger.Error("recreating sender connection", "stream_id", id, "error", err)
			return
		}
		if !c.installSender(replacement) {
			return
		}
		if err := replacement.Open(); err != nil {
			c.logger.Error("opening recreated sender connection", "stream_id", id, "error", err)
			c.uninstall(c.local, replacement)
			return
		}
		c.logger.Info("stream connection re-established", "stream_id", id)
	}))
}

// receiverClosed starts recovery for a receiver connection that went
// away on its own. Connections that are no longer registered (already
// removed or replaced) are ignored.
func (c *Coordinator) receiverClosed(id string, conn Connection) {
	c.mu.Lock()
	if c.state != StateRunning || !c.remote.holds(id, conn) {
		c.mu.Unlock()
		return
	}
	c.remote.remove(id)
	c.recovering[id] = struct{}{}
	c.mu.Unlock()

	c.closeConnection(conn)
	c.metrics.recovery("requested")
	c.metrics.exchange(topicConnectionClosed, "local")
	c.logger.Info("receiver connection closed, requesting recovery", "stream_id", id)

	c.correlator.Initiate(topicConnectionClosed, connectionClosedMessage{ID: id}).
		Then(c.continuation(func(reply correlate.Exchange, err error) {
			c.recoverReceiver(id, reply, err)
		}))
}

// recoverReceiver handles the owner's reply to connectionClosed.
func (c *Coordinator) recoverReceiver(id string, reply correlate.Exchange, err error) {
	if err != nil {
		c.metrics.recovery("failed")
		c.logger.Warn("stream recovery failed", "stream_id", id, "error", err)
		return
	}
	var body connectionClosedReply
	if err := reply.Decode(&body); err != nil {
		c.metrics.recovery("failed")
		c.logger.Warn("stream recovery failed", "stream_id", id, "error", err)
		return
	}

	c.mu.Lock()
	_, recovering := c.recovering[id]
	delete(c.recovering, id)
	running := c.state == StateRunning
	c.mu.Unlock()

	if body.StreamNotFound {
		c.metrics.recovery("stream_not_found")
		c.logger.Info("peer no longer has stream, dropping it", "stream_id", id)
		if recovering {
			c.emit(Event{Type: EventStreamRemoved, StreamID: id})
		}
		return
	}
	if !running {
		return
	}
	if !recovering {
		// streamRemoved overtook the recovery.
		c.metrics.recovery("abandoned")
		if err := reply.Finish(connectionClosedReply{Error: "stream removed"}); err != nil {
			c.logger.Debug("replying to connectionClosed", "stream_id", id, "error", err)
		}
		return
	}

	conn, err := c.adaptor.Receive(id)
	if err != nil {
		c.metrics.recovery("failed")
		c.logger.Error("recreating receiver connection", "stream_id", id, "error", err)
		if err := reply.Finish(connectionClosedReply{Error: err.Error()}); err != nil {
			c.logger.Debug("replying to connectionClosed", "stream_id", id, "error", err)
		}
		return
	}
	if !c.installReceiver(conn, func(stream Stream) {
		c.emit(Event{Type: EventStreamUpdated, StreamID: id, Stream: stream})
	}) {
		c.metrics.recovery("abandoned")
		return
	}
	if err := reply.Finish(nil); err != nil {
		c.logger.Warn("replying to connectionClosed", "stream_id", id, "error", err)
	}
	c.metrics.recovery("recovered")
	c.logger.Info("receiver connection recreated", "stream_id", id)
}
