// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/coordinator"
)

// Compile-time interface checks.
var (
	_ coordinator.Adaptor    = (*Adaptor)(nil)
	_ coordinator.Connection = (*Connection)(nil)
)

var (
	// ErrNotSupported rejects streams and signals this adaptor cannot
	// carry, such as a stream that is not a *LocalStream or an offer
	// sent to a sender-role connection.
	ErrNotSupported = errors.New("transport: not supported")

	// ErrClosed is returned by Open and Write on a closed Connection.
	ErrClosed = errors.New("transport: connection closed")
)

// defaultGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const defaultGatherTimeout = 15 * time.Second

// Config configures an Adaptor.
type Config struct {
	// ICE is the ICE server configuration for new PeerConnections.
	ICE ICEConfig

	// GatherTimeout bounds ICE candidate gathering. Zero means 15s.
	GatherTimeout time.Duration

	// Logger receives diagnostics. Defaults to discarding them.
	Logger *slog.Logger
}

// Adaptor creates WebRTC-backed stream connections: one PeerConnection
// per stream, with the stream's tracks as its media.
type Adaptor struct {
	logger        *slog.Logger
	gatherTimeout time.Duration

	// iceConfig is protected by configMu because the host may refresh
	// TURN credentials while connections are being created.
	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewAdaptor creates an Adaptor.
func NewAdaptor(config Config) *Adaptor {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gatherTimeout := config.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}
	return &Adaptor{
		logger:        logger,
		gatherTimeout: gatherTimeout,
		iceConfig:     config.ICE,
	}
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing connections keep their configuration; a
// recovered connection picks up the new one.
func (a *Adaptor) UpdateICEConfig(config ICEConfig) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	a.iceConfig = config
}

// Connect creates a sender-role connection carrying stream's tracks.
// stream must be a *LocalStream. Negotiation starts at Open.
func (a *Adaptor) Connect(stream coordinator.Stream) (coordinator.Connection, error) {
	local, ok := stream.(*LocalStream)
	if !ok {
		return nil, fmt.Errorf("%w: stream %s is %T, want *transport.LocalStream", ErrNotSupported, stream.ID(), stream)
	}

	pc, err := a.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection for stream %s: %w", local.ID(), err)
	}
	conn := a.newConnection(local.ID(), true, pc)
	conn.stream = local

	for _, track := range local.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding track %s to stream %s: %w", track.ID(), local.ID(), err)
		}
		go drainRTCP(sender)
	}
	return conn, nil
}

// Receive creates a receiver-role connection for the stream id. It
// answers the sender's offer when one is written to it, and reports a
// *RemoteStream through OnStream when the first track arrives.
func (a *Adaptor) Receive(id string) (coordinator.Connection, error) {
	pc, err := a.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection for stream %s: %w", id, err)
	}
	conn := a.newConnection(id, false, pc)
	remote := &RemoteStream{id: id}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		conn.trackArrived(remote, track)
	})
	return conn, nil
}

func (a *Adaptor) newConnection(id string, sender bool, pc *webrtc.PeerConnection) *Connection {
	conn := &Connection{
		id:            id,
		sender:        sender,
		pc:            pc,
		gatherTimeout: a.gatherTimeout,
		done:          make(chan struct{}),
	}
	conn.logger = a.logger.With("stream_id", id, "role", conn.role())
	pc.OnConnectionStateChange(conn.stateChanged)
	return conn
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config, the default codecs, and the default interceptors (NACK,
// RTCP reports).
func (a *Adaptor) newPeerConnection() (*webrtc.PeerConnection, error) {
	a.configMu.RLock()
	configuration := a.iceConfig.configuration()
	a.configMu.RUnlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	// Loopback candidates are required for same-machine peers and test
	// environments where loopback is the only available interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptors),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(configuration)
}

// drainRTCP reads RTCP for a sender until the PeerConnection closes.
// Interceptors only process RTCP that is read.
func drainRTCP(sender *webrtc.RTPSender) {
	buffer := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buffer); err != nil {
			return
		}
	}
}

// Connection is one stream's PeerConnection. A sender-role connection
// offers; a receiver-role connection answers. Negotiation payloads
// travel through the coordinator as OnMessage and Write.
type Connection struct {
	id            string
	sender        bool
	pc            *webrtc.PeerConnection
	logger        *slog.Logger
	gatherTimeout time.Duration

	mu       sync.Mutex
	handlers coordinator.ConnectionHandlers
	stream   coordinator.Stream

	streamOnce   sync.Once
	reportedOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) IsSender() bool { return c.sender }

func (c *Connection) Stream() coordinator.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Connection) Handle(handlers coordinator.ConnectionHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = handlers
}

// Open starts negotiation on a sender-role connection by publishing an
// offer in the background. It is a no-op for receivers.
func (c *Connection) Open() error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.sender {
		return nil
	}
	go c.offer()
	return nil
}

// Write accepts a negotiation payload from the counterpart connection:
// an offer for a receiver, an answer for a sender.
func (c *Connection) Write(payload string) error {
	if c.isClosed() {
		return ErrClosed
	}
	description, err := decodeSignal(payload)
	if err != nil {
		return err
	}

	switch {
	case c.sender && description.Type == webrtc.SDPTypeAnswer:
		if err := c.pc.SetRemoteDescription(description); err != nil {
			return fmt.Errorf("setting remote description: %w", err)
		}
		c.logger.Debug("WebRTC answer applied")
		return nil
	case !c.sender && description.Type == webrtc.SDPTypeOffer:
		go c.answer(description)
		return nil
	default:
		return fmt.Errorf("%w: %s signal on a %s connection", ErrNotSupported, description.Type, c.role())
	}
}

// Close tears down the PeerConnection and reports OnClosed if it has
// not been reported already. Closing twice returns nil.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
		c.reportClosed()
	})
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) role() string {
	if c.sender {
		return "sender"
	}
	return "receiver"
}

func (c *Connection) offer() {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail("creating SDP offer", err)
		return
	}
	if err := c.publishLocal(offer); err != nil {
		c.fail("publishing SDP offer", err)
	}
}

func (c *Connection) answer(offer webrtc.SessionDescription) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		c.fail("setting remote description", err)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail("creating SDP answer", err)
		return
	}
	if err := c.publishLocal(answer); err != nil {
		c.fail("publishing SDP answer", err)
	}
}

// publishLocal sets description as the local description, waits for
// ICE gathering to complete (vanilla ICE), and sends the complete SDP
// to the counterpart.
func (c *Connection) publishLocal(description webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", c.gatherTimeout)
	case <-c.done:
		return ErrClosed
	}

	complete := c.pc.LocalDescription()
	if complete == nil {
		return errors.New("local description missing after gathering")
	}
	payload, err := encodeSignal(*complete)
	if err != nil {
		return err
	}

	c.mu.Lock()
	onMessage := c.handlers.OnMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(payload)
	}
	c.logger.Info("WebRTC description published", "type", complete.Type.String())
	return nil
}

// fail closes the connection after a negotiation error so the
// coordinator sees OnClosed and can recover.
func (c *Connection) fail(step string, err error) {
	if c.isClosed() {
		return
	}
	c.logger.Warn("WebRTC negotiation failed", "step", step, "error", err)
	c.Close()
}

func (c *Connection) trackArrived(remote *RemoteStream, track *webrtc.TrackRemote) {
	remote.addTrack(track)
	c.logger.Debug("remote track arrived",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	c.streamOnce.Do(func() {
		c.mu.Lock()
		c.stream = remote
		onStream := c.handlers.OnStream
		c.mu.Unlock()
		if onStream != nil {
			onStream(remote)
		}
	})
}

// stateChanged reports OnClosed when the PeerConnection fails or
// closes. Disconnected is left alone: ICE may reconnect on its own.
func (c *Connection) stateChanged(state webrtc.PeerConnectionState) {
	c.logger.Info("peer connection state change", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.reportClosed()
	}
}

func (c *Connection) reportClosed() {
	c.reportedOnce.Do(func() {
		c.mu.Lock()
		onClosed := c.handlers.OnClosed
		c.mu.Unlock()
		if onClosed != nil {
			onClosed()
		}
	})
}
