// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package correlate turns a bare "send one message" primitive into
// topic-addressed, multi-leg request/reply exchanges.
//
// A [Correlator] owns two tables. The handler table maps a topic name
// to the [Handler] that serves the first leg of an exchange carrying
// that topic. The pending table maps a correlation context to the
// [Future] waiting for the next leg of an exchange this side is part
// of. Every leg crosses the wire as (context, message, topic) through
// the [Sink] given to [New]; the topic is set only on the first leg.
//
// Inbound legs enter through [Correlator.Deliver]. A leg with a topic
// is dispatched to its handler; a leg without one resolves the pending
// Future for its context, which is removed from the table in the same
// step so each context is consumed exactly once. Legs addressed to an
// unknown topic or context are dropped without a reply: a peer that is
// slightly out of step (a stale reply after expiry, a topic from a newer
// version) must not wedge the channel.
//
// Either side can keep an exchange going. A handler answers with
// [Exchange.Finish] to end it or [Exchange.Continue] to send another
// leg and wait for the reply; the initiator's continuation receives an
// Exchange with the same two methods:
//
//	correlator.Handle("ping", func(exchange correlate.Exchange) {
//	    exchange.Finish(map[string]string{"pong": "ok"})
//	})
//
//	correlator.Initiate("ping", nil).Then(func(reply correlate.Exchange, err error) {
//	    ...
//	})
//
// By default a pending exchange waits forever: if the reply never
// arrives its Future never settles. [WithTimeout] bounds the wait, and
// [Correlator.Close] settles every pending Future at once. The lock
// protecting the tables is never held while calling the sink, a
// handler, or a continuation, so all three may re-enter the Correlator.
package correlate
