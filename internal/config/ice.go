package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	EnvICEServersJSON = "LANRTC_ICE_SERVERS_JSON"

	EnvStunURLs       = "LANRTC_STUN_URLS"
	EnvTurnURLs       = "LANRTC_TURN_URLS"
	EnvTurnUsername   = "LANRTC_TURN_USERNAME"
	EnvTurnCredential = "LANRTC_TURN_CREDENTIAL"

	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

// DefaultICEServers is used when nothing is configured. Host candidates are
// enough on a flat LAN; the STUN entry helps across routed subnets.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
}

// ICEServerConfig is the file form of an ICE server, shared by the JSON env
// var and the peer YAML profile. "urls" may be a single string or a list.
type ICEServerConfig struct {
	URLs       iceURLs `json:"urls" yaml:"urls"`
	Username   string  `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string  `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type iceURLs []string

func (u *iceURLs) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*u = iceURLs{one}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("urls: expected string or list of strings: %w", err)
	}
	*u = list
	return nil
}

func (u *iceURLs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*u = iceURLs{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("urls: expected string or list of strings: %w", err)
	}
	*u = list
	return nil
}

func (c ICEServerConfig) toWebRTC() (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{
		URLs:     splitList(strings.Join(c.URLs, ",")),
		Username: strings.TrimSpace(c.Username),
	}
	if cred := strings.TrimSpace(c.Credential); cred != "" {
		server.Credential = cred
	}
	return server, checkICEServer(server)
}

// relayICEServers picks the relay's ICE list: the JSON form wins over the
// STUN/TURN convenience values. A nil result means nothing was configured.
func relayICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(iceServersJSON) != "" {
		servers, err := ParseICEServersJSON(iceServersJSON)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}
	return ICEServersFromURLs(splitList(stunURLs), splitList(turnURLs), turnUsername, turnCredential)
}

// ParseICEServersJSON parses a JSON array of ICEServerConfig.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []ICEServerConfig
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return ToWebRTCICEServers(servers)
}

func ToWebRTCICEServers(servers []ICEServerConfig) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, c := range servers {
		server, err := c.toWebRTC()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ICEServersFromURLs builds at most two entries: one for all STUN urls and
// one for all TURN urls sharing a single credential.
func ICEServersFromURLs(stun, turn []string, username, credential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer

	if len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvStunURLs, err)
		}
		out = append(out, server)
	}

	if len(turn) > 0 {
		username, credential = strings.TrimSpace(username), strings.TrimSpace(credential)
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s and %s are required with %s", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username, Credential: credential}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTurnURLs, err)
		}
		out = append(out, server)
	}

	return out, nil
}

func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, u := range server.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("url %q has no scheme", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !turn {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
