// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEServer is the configuration-file form of one ICE server entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NewICEConfig converts configured servers into an ICEConfig. Entries
// with no URLs are skipped. An empty result means host candidates only
// (no STUN, no TURN), which is enough for same-machine and same-LAN
// peers.
func NewICEConfig(servers []ICEServer) ICEConfig {
	var config ICEConfig
	for _, server := range servers {
		var urls []string
		for _, url := range server.URLs {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		if len(urls) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: urls}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		config.Servers = append(config.Servers, entry)
	}
	return config
}

func (c ICEConfig) configuration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.Servers}
}
