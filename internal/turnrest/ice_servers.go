package turnrest

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ServerSet describes the TURN/STUN deployment credentials are minted for.
type ServerSet struct {
	Host string

	EnableUDP bool
	EnableTCP bool
	EnableTLS bool

	UDPPort uint16
	TCPPort uint16
	TLSPort uint16

	// FallbackHosts are additional TURN hosts appended after the primary.
	FallbackHosts []string
}

// TURNURLs returns the turn:/turns: URLs for the set, primary host first.
func (s ServerSet) TURNURLs() []string {
	var urls []string
	if s.EnableUDP {
		urls = append(urls, fmt.Sprintf("turn:%s:%d", s.Host, s.UDPPort))
	}
	if s.EnableTCP {
		urls = append(urls, fmt.Sprintf("turn:%s:%d?transport=tcp", s.Host, s.TCPPort))
	}
	if s.EnableTLS {
		urls = append(urls, fmt.Sprintf("turns:%s:%d?transport=tcp", s.Host, s.TLSPort))
	}
	for _, fallback := range s.FallbackHosts {
		if s.EnableTLS {
			urls = append(urls, fmt.Sprintf("turns:%s:%d?transport=tcp", fallback, s.TLSPort))
		} else {
			urls = append(urls, fmt.Sprintf("turn:%s:%d", fallback, s.UDPPort))
		}
	}
	return urls
}

// BuildICEServers assembles the client-facing ICE server list: one
// credentialed entry per TURN URL, plus an anonymous STUN entry on the
// primary host when UDP is enabled.
func BuildICEServers(set ServerSet, creds Credentials) []webrtc.ICEServer {
	urls := set.TURNURLs()
	servers := make([]webrtc.ICEServer, 0, len(urls)+1)
	for _, url := range urls {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   creds.Username,
			Credential: creds.Password,
		})
	}
	if set.EnableUDP {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{fmt.Sprintf("stun:%s:%d", set.Host, set.UDPPort)},
		})
	}
	return servers
}
