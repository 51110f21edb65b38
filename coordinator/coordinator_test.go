// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/tandem/correlate"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/wire"
)

func TestNewRequiresAdaptorAndSend(t *testing.T) {
	if _, err := New(Config{Send: func(string) {}}); err == nil {
		t.Error("New without Adaptor succeeded")
	}
	if _, err := New(Config{Adaptor: &fakeAdaptor{}}); err == nil {
		t.Error("New without Send succeeded")
	}
	if _, err := New(Config{Adaptor: &fakeAdaptor{}, Send: func(string) {}, ExchangeTimeout: -time.Second}); err == nil {
		t.Error("New with negative ExchangeTimeout succeeded")
	}
}

func TestOpenRunsInitOnBothSides(t *testing.T) {
	a, b := newPair(t)
	if a.State() != StateWaiting || b.State() != StateWaiting {
		t.Fatalf("before Open: a=%s b=%s, want waiting", a.State(), b.State())
	}

	a.Open()

	if a.State() != StateRunning {
		t.Errorf("a state = %s, want running", a.State())
	}
	if b.State() != StateRunning {
		t.Errorf("b state = %s, want running", b.State())
	}
	for name, p := range map[string]*peer{"a": a, "b": b} {
		if got := p.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
			t.Errorf("%s events = %v, want [running]", name, got)
		}
	}

	// Opening again, or opening the side that is already running, is
	// a no-op.
	a.Open()
	b.Open()
	if got := len(a.events.all()) + len(b.events.all()); got != 2 {
		t.Errorf("repeated Open produced %d events total, want 2", got)
	}
}

func TestCrossedInitEmitsRunningOnce(t *testing.T) {
	p, log := newScriptedPeer(t, nil)
	p.Open()
	if log.count() != 1 {
		t.Fatalf("Open sent %d frames, want 1", log.count())
	}
	ours := log.protocol(t, 0)
	if ours.Topic != topicInit {
		t.Fatalf("first frame topic = %q, want init", ours.Topic)
	}

	// The peer's init crosses ours on the wire.
	p.Write(leg(t, "peer-1", "null", topicInit))
	if p.State() != StateRunning {
		t.Fatalf("state after peer init = %s, want running", p.State())
	}
	ack := log.protocol(t, 1)
	if ack.Context != "peer-1" || ack.Topic != "" {
		t.Errorf("ack = %+v, want reply on peer-1", ack)
	}

	// Then the peer acknowledges our init.
	p.Write(leg(t, ours.Context, "null", ""))
	if got := p.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
		t.Errorf("events = %v, want a single running", got)
	}
}

func TestRepeatedInitWhileRunningIsAcknowledged(t *testing.T) {
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Write(leg(t, "peer-1", "null", topicInit))
	p.Write(leg(t, "peer-2", "null", topicInit))

	if log.count() != 2 {
		t.Fatalf("sent %d frames, want 2 acknowledgments", log.count())
	}
	if got := log.protocol(t, 1).Context; got != "peer-2" {
		t.Errorf("second ack context = %q, want peer-2", got)
	}
	if got := p.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
		t.Errorf("events = %v, want a single running", got)
	}
}

func TestPassiveRoleWaitsForPeerInit(t *testing.T) {
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Open()
	if log.count() != 0 {
		t.Fatalf("passive Open sent %d frames, want 0", log.count())
	}
	if p.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting", p.State())
	}

	p.Write(leg(t, "peer-1", "null", topicInit))
	if p.State() != StateRunning {
		t.Errorf("state after peer init = %s, want running", p.State())
	}
}

func TestAddStreamEndToEnd(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()

	op := a.AddStream(stream, map[string]string{"note": "x"})
	if err := requireCompleted(t, op); err != nil {
		t.Fatalf("AddStream: %v", err)
	}

	senders := a.adaptor.sent()
	if len(senders) != 1 {
		t.Fatalf("a created %d senders, want 1", len(senders))
	}
	if !senders[0].isOpened() {
		t.Error("sender was not opened")
	}
	if senders[0].Stream() != stream {
		t.Error("sender carries a different stream")
	}
	if got := a.LocalStreams(); len(got) != 1 || got[stream.ID()] != stream {
		t.Errorf("a.LocalStreams() = %v, want only %s", got, stream.ID())
	}

	receivers := b.adaptor.received()
	if len(receivers) != 1 || receivers[0].ID() != stream.ID() {
		t.Fatalf("b receivers = %v, want one for %s", receivers, stream.ID())
	}
	remote := b.RemoteStreams()
	if value, ok := remote[stream.ID()]; !ok || value != nil {
		t.Errorf("b.RemoteStreams() = %v, want pending entry for %s", remote, stream.ID())
	}
	if got := b.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
		t.Errorf("b events before stream arrives = %v, want [running]", got)
	}

	delivered := &testStream{id: stream.ID()}
	receivers[0].emitStream(delivered)

	event := b.events.last(t)
	if event.Type != EventStreamAdded {
		t.Fatalf("b last event = %s, want streamAdded", event.Type)
	}
	if event.StreamID != stream.ID() || event.Stream != delivered {
		t.Errorf("streamAdded = %+v, want stream %s", event, stream.ID())
	}
	if string(event.Meta) != `{"note":"x"}` {
		t.Errorf("streamAdded meta = %s, want {\"note\":\"x\"}", event.Meta)
	}
	if got, ok := b.StreamByID(stream.ID()); !ok || got != delivered {
		t.Errorf("b.StreamByID = %v, %v; want delivered stream", got, ok)
	}
	if got, ok := a.StreamByID(stream.ID()); !ok || got != stream {
		t.Errorf("a.StreamByID = %v, %v; want local stream", got, ok)
	}
}

func TestAddStreamBeforeRunningIsHeld(t *testing.T) {
	a, b := newPair(t)
	stream := newTestStream()

	op := a.AddStream(stream, nil)
	requirePending(t, op)
	if n := len(b.adaptor.received()); n != 0 {
		t.Fatalf("b created %d receivers before init, want 0", n)
	}

	a.Open()

	if err := requireCompleted(t, op); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	if n := len(b.adaptor.received()); n != 1 {
		t.Errorf("b created %d receivers, want 1", n)
	}
	if err := op.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

func TestStreamAddedBeforeInitIsHeld(t *testing.T) {
	id := NewStreamID()
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })

	p.Write(leg(t, "peer-1", `{"id":"`+id+`"}`, topicStreamAdded))
	if log.count() != 0 || len(p.adaptor.received()) != 0 {
		t.Fatalf("streamAdded before init was served: %d frames, %d receivers",
			log.count(), len(p.adaptor.received()))
	}

	p.Write(leg(t, "peer-2", "null", topicInit))

	if log.count() != 2 {
		t.Fatalf("sent %d frames, want 2", log.count())
	}
	if got := log.protocol(t, 0).Context; got != "peer-2" {
		t.Errorf("first reply context = %q, want the init ack", got)
	}
	if got := log.protocol(t, 1).Context; got != "peer-1" {
		t.Errorf("second reply context = %q, want the streamAdded ack", got)
	}
	if n := len(p.adaptor.received()); n != 1 {
		t.Errorf("created %d receivers, want 1", n)
	}
}

func TestAddStreamRejectsBadInput(t *testing.T) {
	a, _ := newRunningPair(t)

	if err := requireCompleted(t, a.AddStream(&testStream{id: "short"}, nil)); !errors.Is(err, ErrInvalidStreamID) {
		t.Errorf("short ID: err = %v, want ErrInvalidStreamID", err)
	}
	if err := requireCompleted(t, a.AddStream(nil, nil)); !errors.Is(err, ErrNilStream) {
		t.Errorf("nil stream: err = %v, want ErrNilStream", err)
	}
	if err := requireCompleted(t, a.AddStream(newTestStream(), make(chan int))); err == nil {
		t.Error("unencodable metadata accepted")
	}
}

func TestAddStreamConnectFailure(t *testing.T) {
	a, _ := newRunningPair(t)
	connectErr := errors.New("no camera")
	a.adaptor.connectErr = connectErr

	err := requireCompleted(t, a.AddStream(newTestStream(), nil))
	if !errors.Is(err, connectErr) {
		t.Fatalf("err = %v, want wrapped %v", err, connectErr)
	}
	if got := a.LocalStreams(); len(got) != 0 {
		t.Errorf("a.LocalStreams() = %v, want empty", got)
	}
}

func TestAddStreamReportsPeerReceiveFailure(t *testing.T) {
	a, b := newRunningPair(t)
	b.adaptor.receiveErr = errors.New("out of ports")

	err := requireCompleted(t, a.AddStream(newTestStream(), nil))
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Message != "out of ports" {
		t.Errorf("RemoteError.Message = %q", remote.Message)
	}
	if n := len(a.adaptor.sent()); n != 0 {
		t.Errorf("a created %d senders, want 0", n)
	}
}

func TestRemoveStreamEndToEnd(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()
	if err := requireCompleted(t, a.AddStream(stream, nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	sender := a.adaptor.sent()[0]
	receiver := b.adaptor.received()[0]
	receiver.emitStream(&testStream{id: stream.ID()})

	if err := requireCompleted(t, a.RemoveStream(stream)); err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}

	if _, ok := a.LocalStreams()[stream.ID()]; ok {
		t.Error("stream still in a.LocalStreams()")
	}
	if _, ok := b.RemoteStreams()[stream.ID()]; ok {
		t.Error("stream still in b.RemoteStreams()")
	}
	if !sender.isClosed() || !receiver.isClosed() {
		t.Errorf("sender closed=%v receiver closed=%v, want both closed",
			sender.isClosed(), receiver.isClosed())
	}
	event := b.events.last(t)
	if event.Type != EventStreamRemoved || event.StreamID != stream.ID() {
		t.Errorf("b last event = %+v, want streamRemoved for %s", event, stream.ID())
	}
	// The receiver's own closed event must not start recovery.
	if n := len(a.adaptor.sent()); n != 1 {
		t.Errorf("a created %d senders, want 1", n)
	}
}

func TestRemoveUnknownStreamCompletes(t *testing.T) {
	a, b := newRunningPair(t)
	if err := requireCompleted(t, a.RemoveStreamByID(NewStreamID())); err != nil {
		t.Fatalf("RemoveStreamByID: %v", err)
	}
	if got := b.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
		t.Errorf("b events = %v, want [running]", got)
	}
}

func TestDataFramesReachExactConnection(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()
	if err := requireCompleted(t, a.AddStream(stream, nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	sender := a.adaptor.sent()[0]
	receiver := b.adaptor.received()[0]

	a.Write("L" + stream.ID() + "hello")
	b.Write("R" + stream.ID() + "world")

	// Wrong registry, unknown stream: dropped.
	a.Write("R" + stream.ID() + "misrouted")
	a.Write("L" + NewStreamID() + "stray")

	if got := sender.writes(); !slices.Equal(got, []string{"hello"}) {
		t.Errorf("sender writes = %q, want [hello]", got)
	}
	if got := receiver.writes(); !slices.Equal(got, []string{"world"}) {
		t.Errorf("receiver writes = %q, want [world]", got)
	}
}

func TestConnectionPayloadsCrossToCounterpart(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()
	if err := requireCompleted(t, a.AddStream(stream, nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	sender := a.adaptor.sent()[0]
	receiver := b.adaptor.received()[0]

	sender.emitMessage("offer")
	receiver.emitMessage("answer")

	if got := receiver.writes(); !slices.Equal(got, []string{"offer"}) {
		t.Errorf("receiver writes = %q, want [offer]", got)
	}
	if got := sender.writes(); !slices.Equal(got, []string{"answer"}) {
		t.Errorf("sender writes = %q, want [answer]", got)
	}
}

func TestSenderPayloadsAreTaggedRemote(t *testing.T) {
	a, log := newScriptedPeer(t, nil)
	a.Write(leg(t, "peer-1", "null", topicInit))
	stream := newTestStream()
	op := a.AddStream(stream, nil)
	added := log.protocol(t, 1)
	a.Write(leg(t, added.Context, "null", ""))
	if err := requireCompleted(t, op); err != nil {
		t.Fatalf("AddStream: %v", err)
	}

	a.adaptor.sent()[0].emitMessage("offer")

	log.mu.Lock()
	last := log.frames[len(log.frames)-1]
	log.mu.Unlock()
	if want := "R" + stream.ID() + "offer"; last != want {
		t.Errorf("sender frame = %q, want %q", last, want)
	}
}

func TestReceiverFailureRecoversStream(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()
	if err := requireCompleted(t, a.AddStream(stream, nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	oldReceiver := b.adaptor.received()[0]
	oldReceiver.emitStream(&testStream{id: stream.ID()})

	oldReceiver.fail()

	senders := a.adaptor.sent()
	if len(senders) != 2 {
		t.Fatalf("a created %d senders, want 2", len(senders))
	}
	if !senders[0].isClosed() {
		t.Error("old sender was not closed")
	}
	if !senders[1].isOpened() || senders[1].Stream() != stream {
		t.Error("replacement sender was not opened for the same stream")
	}
	receivers := b.adaptor.received()
	if len(receivers) != 2 {
		t.Fatalf("b created %d receivers, want 2", len(receivers))
	}
	if _, ok := b.RemoteStreams()[stream.ID()]; !ok {
		t.Error("recovered stream missing from b.RemoteStreams()")
	}

	recovered := &testStream{id: stream.ID()}
	receivers[1].emitStream(recovered)

	event := b.events.last(t)
	if event.Type != EventStreamUpdated || event.Stream != recovered {
		t.Errorf("b last event = %+v, want streamUpdated with recovered stream", event)
	}
	if got := b.events.types(); !slices.Equal(got, []EventType{EventRunning, EventStreamAdded, EventStreamUpdated}) {
		t.Errorf("b events = %v", got)
	}

	// The replacement connections relay as before.
	senders[1].emitMessage("offer")
	if got := receivers[1].writes(); !slices.Equal(got, []string{"offer"}) {
		t.Errorf("new receiver writes = %q, want [offer]", got)
	}
}

func TestRecoveryStopsWhenOwnerHasNoStream(t *testing.T) {
	id := NewStreamID()
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Write(leg(t, "peer-1", "null", topicInit))
	p.Write(leg(t, "peer-2", `{"id":"`+id+`"}`, topicStreamAdded))
	receiver := p.adaptor.received()[0]

	receiver.fail()

	if log.count() != 3 {
		t.Fatalf("sent %d frames, want 3", log.count())
	}
	request := log.protocol(t, 2)
	if request.Topic != topicConnectionClosed || string(request.Message) != `{"id":"`+id+`"}` {
		t.Fatalf("recovery request = %+v", request)
	}

	p.Write(leg(t, request.Context, `{"streamNotFound":true}`, ""))

	if log.count() != 3 {
		t.Errorf("sent %d frames after streamNotFound, want no more", log.count())
	}
	if n := len(p.adaptor.received()); n != 1 {
		t.Errorf("created %d receivers, want 1", n)
	}
	event := p.events.last(t)
	if event.Type != EventStreamRemoved || event.StreamID != id {
		t.Errorf("last event = %+v, want streamRemoved", event)
	}
}

func TestConnectionClosedForUnknownStream(t *testing.T) {
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Write(leg(t, "peer-1", "null", topicInit))
	p.Write(leg(t, "peer-2", `{"id":"`+NewStreamID()+`"}`, topicConnectionClosed))

	reply := log.protocol(t, 1)
	if reply.Context != "peer-2" || string(reply.Message) != `{"streamNotFound":true}` {
		t.Errorf("reply = %+v, want streamNotFound on peer-2", reply)
	}
}

func TestReplacedReceiverDoesNotStartRecovery(t *testing.T) {
	id := NewStreamID()
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Write(leg(t, "peer-1", "null", topicInit))
	p.Write(leg(t, "peer-2", `{"id":"`+id+`"}`, topicStreamAdded))
	p.Write(leg(t, "peer-3", `{"id":"`+id+`"}`, topicStreamAdded))

	receivers := p.adaptor.received()
	if len(receivers) != 2 {
		t.Fatalf("created %d receivers, want 2", len(receivers))
	}
	if !receivers[0].isClosed() {
		t.Error("displaced receiver was not closed")
	}
	if receivers[1].isClosed() {
		t.Error("current receiver was closed")
	}
	if log.count() != 3 {
		t.Errorf("sent %d frames, want only the 3 acknowledgments", log.count())
	}
	if got := len(p.RemoteStreams()); got != 1 {
		t.Errorf("RemoteStreams has %d entries, want 1", got)
	}
}

func TestUnknownContextIsIgnored(t *testing.T) {
	p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
	p.Write(leg(t, "peer-1", "null", topicInit))
	sent := log.count()

	p.Write(leg(t, "nobody-asked", `{"anything":1}`, ""))
	p.Write(leg(t, "peer-2", "null", "noSuchTopic"))

	if log.count() != sent {
		t.Errorf("sent %d frames, want %d", log.count(), sent)
	}
	if p.State() != StateRunning {
		t.Errorf("state = %s, want running", p.State())
	}
	if got := p.events.types(); !slices.Equal(got, []EventType{EventRunning}) {
		t.Errorf("events = %v, want [running]", got)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p, log := newScriptedPeer(t, func(c *Config) { c.Metrics = metrics })

	for _, frame := range []string{"", "G{not json", "Xabc", "Lshort", `G{"message":1}`} {
		p.Write(frame)
	}

	if log.count() != 0 {
		t.Errorf("sent %d frames, want 0", log.count())
	}
	if got := testutil.ToFloat64(metrics.Dropped.WithLabelValues("malformed")); got != 5 {
		t.Errorf("malformed drops = %v, want 5", got)
	}
}

func TestCloseTearsDownBothSides(t *testing.T) {
	a, b := newRunningPair(t)
	stream := newTestStream()
	if err := requireCompleted(t, a.AddStream(stream, nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	sender := a.adaptor.sent()[0]
	receiver := b.adaptor.received()[0]

	a.Close("bye")

	for name, p := range map[string]*peer{"a": a, "b": b} {
		if p.State() != StateClosed {
			t.Errorf("%s state = %s, want closed", name, p.State())
		}
		p.mu.Lock()
		local, remote := len(p.local.snapshot()), len(p.remote.snapshot())
		p.mu.Unlock()
		if local != 0 || remote != 0 {
			t.Errorf("%s registries hold %d local, %d remote; want empty", name, local, remote)
		}
	}
	if !sender.isClosed() || !receiver.isClosed() {
		t.Errorf("sender closed=%v receiver closed=%v, want both", sender.isClosed(), receiver.isClosed())
	}

	localEvent := a.events.last(t)
	if localEvent.Type != EventClosed || localEvent.Remote || string(localEvent.Reason) != `"bye"` {
		t.Errorf("a closed event = %+v", localEvent)
	}
	remoteEvent := b.events.last(t)
	if remoteEvent.Type != EventClosed || !remoteEvent.Remote || string(remoteEvent.Reason) != `"bye"` {
		t.Errorf("b closed event = %+v", remoteEvent)
	}

	// Idempotent, and nothing after Close is acted on.
	aEvents, bEvents := len(a.events.all()), len(b.events.all())
	a.Close("again")
	b.Close(nil)
	a.Write(leg(t, "late", "null", topicInit))
	if len(a.events.all()) != aEvents || len(b.events.all()) != bEvents {
		t.Error("events emitted after close")
	}
	if err := requireCompleted(t, a.AddStream(newTestStream(), nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddStream after close: err = %v, want ErrClosed", err)
	}
	if got := a.LocalStreams(); len(got) != 0 {
		t.Errorf("LocalStreams after close = %v", got)
	}
}

func TestCloseFailsHeldOperations(t *testing.T) {
	p, log := newScriptedPeer(t, nil)
	op := p.AddStream(newTestStream(), nil)
	requirePending(t, op)

	p.Close(nil)

	if err := requireCompleted(t, op); !errors.Is(err, ErrClosed) {
		t.Errorf("held AddStream: err = %v, want ErrClosed", err)
	}
	closed := log.protocol(t, 0)
	if closed.Topic != topicClosed {
		t.Errorf("Close sent topic %q, want closed", closed.Topic)
	}
}

func TestCloseFailsInFlightOperations(t *testing.T) {
	p, log := newScriptedPeer(t, nil)
	p.Write(leg(t, "peer-1", "null", topicInit))
	op := p.AddStream(newTestStream(), nil)
	if log.count() != 2 {
		t.Fatalf("sent %d frames, want init ack and streamAdded", log.count())
	}

	p.Close(nil)

	if err := requireCompleted(t, op); !errors.Is(err, ErrClosed) {
		t.Errorf("in-flight AddStream: err = %v, want ErrClosed", err)
	}
	if n := len(p.adaptor.sent()); n != 0 {
		t.Errorf("created %d senders, want 0", n)
	}
}

func TestCloseDuringConnectDiscardsSender(t *testing.T) {
	a, b := newRunningPair(t)
	a.adaptor.onConnect = func() { a.Close("bye") }

	err := requireCompleted(t, a.AddStream(newTestStream(), nil))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("AddStream: err = %v, want ErrClosed", err)
	}
	senders := a.adaptor.sent()
	if len(senders) != 1 {
		t.Fatalf("a created %d senders, want 1", len(senders))
	}
	if !senders[0].isClosed() || senders[0].isOpened() {
		t.Errorf("sender closed=%v opened=%v, want closed and never opened",
			senders[0].isClosed(), senders[0].isOpened())
	}
	for name, p := range map[string]*peer{"a": a, "b": b} {
		if p.State() != StateClosed {
			t.Errorf("%s state = %s, want closed", name, p.State())
		}
		if local, remote := p.registered(); local != 0 || remote != 0 {
			t.Errorf("%s registries hold %d local, %d remote; want empty", name, local, remote)
		}
	}
}

func TestCloseDuringReceiveDiscardsReceiver(t *testing.T) {
	a, b := newRunningPair(t)
	b.adaptor.onReceive = func() { b.Close("bye") }

	err := requireCompleted(t, a.AddStream(newTestStream(), nil))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("AddStream: err = %v, want ErrClosed", err)
	}
	receivers := b.adaptor.received()
	if len(receivers) != 1 || !receivers[0].isClosed() {
		t.Fatalf("b receivers = %d, want one closed receiver", len(receivers))
	}
	if local, remote := b.registered(); local != 0 || remote != 0 {
		t.Errorf("b registries hold %d local, %d remote; want empty", local, remote)
	}
	if n := len(a.adaptor.sent()); n != 0 {
		t.Errorf("a created %d senders, want 0", n)
	}
	if a.State() != StateClosed {
		t.Errorf("a state = %s, want closed", a.State())
	}
}

func TestCloseDuringRecoveryDiscardsReceiver(t *testing.T) {
	a, b := newRunningPair(t)
	if err := requireCompleted(t, a.AddStream(newTestStream(), nil)); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	b.adaptor.onReceive = func() { b.Close("bye") }

	b.adaptor.received()[0].fail()

	receivers := b.adaptor.received()
	if len(receivers) != 2 || !receivers[1].isClosed() {
		t.Fatalf("b receivers = %d, want the replacement created and closed", len(receivers))
	}
	if local, remote := b.registered(); local != 0 || remote != 0 {
		t.Errorf("b registries hold %d local, %d remote; want empty", local, remote)
	}
	if n := len(a.adaptor.sent()); n != 1 {
		t.Errorf("a created %d senders, want no replacement", n)
	}
	if local, _ := a.registered(); local != 0 {
		t.Errorf("a local registry holds %d, want empty", local)
	}
}

func TestAddStreamOpenFailureUnregistersSender(t *testing.T) {
	a, b := newRunningPair(t)
	openErr := errors.New("no route")
	a.adaptor.openErr = openErr

	err := requireCompleted(t, a.AddStream(newTestStream(), nil))
	if !errors.Is(err, openErr) {
		t.Fatalf("err = %v, want wrapped %v", err, openErr)
	}
	if got := a.LocalStreams(); len(got) != 0 {
		t.Errorf("a.LocalStreams() = %v, want empty", got)
	}
	if local, _ := a.registered(); local != 0 {
		t.Errorf("a local registry holds %d, want empty", local)
	}
	if sender := a.adaptor.sent()[0]; !sender.isClosed() {
		t.Error("sender that failed to open was not closed")
	}
	if a.State() != StateRunning || b.State() != StateRunning {
		t.Errorf("a=%s b=%s, want both still running", a.State(), b.State())
	}
}

func TestStreamAddedWithInvalidIDIsRejected(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"short id", `{"id":"short"}`},
		{"not an object", `"s1"`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, log := newScriptedPeer(t, func(c *Config) { c.Role = RolePassive })
			p.Write(leg(t, "peer-1", "null", topicInit))
			p.Write(leg(t, "peer-2", test.message, topicStreamAdded))

			if log.count() != 2 {
				t.Fatalf("sent %d frames, want init ack and a reply", log.count())
			}
			reply := log.protocol(t, 1)
			if reply.Context != "peer-2" || reply.Topic != "" {
				t.Fatalf("reply = %+v, want a final leg on peer-2", reply)
			}
			var body streamAddedReply
			if err := json.Unmarshal(reply.Message, &body); err != nil || body.Error == "" {
				t.Errorf("reply message = %s, want an error", reply.Message)
			}
			if n := len(p.adaptor.received()); n != 0 {
				t.Errorf("created %d receivers, want 0", n)
			}
		})
	}
}

func TestAddStreamFailsWhenPeerRejectsID(t *testing.T) {
	p, log := newScriptedPeer(t, nil)
	p.Write(leg(t, "peer-1", "null", topicInit))
	op := p.AddStream(newTestStream(), nil)
	request := log.protocol(t, 1)

	p.Write(leg(t, request.Context, `{"error":"coordinator: stream ID must be 36 bytes"}`, ""))

	var remote *RemoteError
	if err := requireCompleted(t, op); !errors.As(err, &remote) || remote.Topic != topicStreamAdded {
		t.Errorf("err = %v, want *RemoteError for streamAdded", err)
	}
}

func TestExchangeTimeoutFailsOperation(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	p, _ := newScriptedPeer(t, func(c *Config) {
		c.Clock = fake
		c.ExchangeTimeout = 5 * time.Second
	})
	p.Write(leg(t, "peer-1", "null", topicInit))

	op := p.AddStream(newTestStream(), nil)
	fake.Advance(4 * time.Second)
	requirePending(t, op)

	fake.Advance(time.Second)
	if err := requireCompleted(t, op); !errors.Is(err, correlate.ErrExpired) {
		t.Errorf("err = %v, want correlate.ErrExpired", err)
	}
}

func TestSubscribeCancel(t *testing.T) {
	a, b := newPair(t)
	var seen []EventType
	cancel := b.Subscribe(func(event Event) { seen = append(seen, event.Type) })

	a.Open()
	cancel()
	a.Close(nil)

	if !slices.Equal(seen, []EventType{EventRunning}) {
		t.Errorf("seen = %v, want only running", seen)
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	a, b := newPair(t)
	stream := newTestStream()
	var op *Operation
	a.Subscribe(func(event Event) {
		if event.Type == EventRunning {
			op = a.AddStream(stream, nil)
		}
	})

	a.Open()

	if op == nil {
		t.Fatal("subscriber did not run")
	}
	if err := requireCompleted(t, op); err != nil {
		t.Fatalf("AddStream from subscriber: %v", err)
	}
	if _, ok := b.RemoteStreams()[stream.ID()]; !ok {
		t.Error("b did not register the stream")
	}
}

func TestStreamMetrics(t *testing.T) {
	metrics, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	var a, b *peer
	a = newPeer(t, func(frame string) { b.Write(frame) }, func(c *Config) { c.Metrics = metrics })
	b = newPeer(t, func(frame string) { a.Write(frame) }, func(c *Config) { c.Metrics = metrics })
	a.Open()

	first, second := newTestStream(), newTestStream()
	requireCompleted(t, a.AddStream(first, nil))
	requireCompleted(t, a.AddStream(second, nil))
	requireCompleted(t, a.RemoveStream(first))

	if got := testutil.ToFloat64(metrics.Streams.WithLabelValues("local")); got != 1 {
		t.Errorf("local streams gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Streams.WithLabelValues("remote")); got != 1 {
		t.Errorf("remote streams gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Exchanges.WithLabelValues(topicStreamAdded, "remote")); got != 2 {
		t.Errorf("streamAdded handled = %v, want 2", got)
	}

	a.Close(nil)
	if got := testutil.ToFloat64(metrics.Streams.WithLabelValues("local")); got != 0 {
		t.Errorf("local streams gauge after close = %v, want 0", got)
	}
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewMetrics(registry); err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	if _, err := NewMetrics(registry); err == nil {
		t.Error("second NewMetrics on the same registry succeeded")
	}
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{"": RoleActive, "active": RoleActive, "passive": RolePassive} {
		got, err := ParseRole(input)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseRole("eager"); err == nil {
		t.Error("ParseRole accepted an unknown role")
	}
}

func TestProtocolPayloadShapes(t *testing.T) {
	p, log := newScriptedPeer(t, nil)
	p.Write(leg(t, "peer-1", "null", topicInit))
	stream := newTestStream()
	p.AddStream(stream, json.RawMessage(`{"kind":"audio"}`))

	added := log.protocol(t, 1)
	if added.Topic != topicStreamAdded {
		t.Fatalf("topic = %q, want streamAdded", added.Topic)
	}
	want := `{"id":"` + stream.ID() + `","meta":{"kind":"audio"}}`
	if string(added.Message) != want {
		t.Errorf("streamAdded message = %s, want %s", added.Message, want)
	}
	if !wire.ValidStreamID(stream.ID()) {
		t.Errorf("NewStreamID produced %q", stream.ID())
	}
}
