package rtc

import (
	"github.com/pion/webrtc/v4"
)

// ICEServer is the configured form of a STUN/TURN server.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Configuration builds the peer connection configuration advertised to
// clients. The server itself never opens a peer connection.
func Configuration(servers []ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, srv)
	}
	return cfg
}
