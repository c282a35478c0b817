package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CODEDROP_ICE_SERVERS_JSON"

	envStunURLs       = "CODEDROP_STUN_URLS"
	envTurnURLs       = "CODEDROP_TURN_URLS"
	envTurnUsername   = "CODEDROP_TURN_USERNAME"
	envTurnCredential = "CODEDROP_TURN_CREDENTIAL"
)

// ICESource is the ICE configuration as read from env and flags, before
// it is turned into the list GET /webrtc/ice hands to browsers.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	// MintTURN is set when TURN credentials are issued per request, which
	// makes static TURN credentials optional.
	MintTURN bool
}

// Servers resolves s. A non-empty JSON value wins over the URL lists.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := DecodeICEServers(raw, s.MintTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return s.fromURLLists()
}

func (s ICESource) fromURLLists() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := commaList(s.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server, s.MintTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	turn := commaList(s.TURNURLs)
	if len(turn) == 0 {
		return servers, nil
	}
	user := strings.TrimSpace(s.TURNUsername)
	cred := strings.TrimSpace(s.TURNCredential)
	if !s.MintTURN && (user == "" || cred == "") {
		return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	server := webrtc.ICEServer{URLs: turn, Username: user}
	if cred != "" {
		server.Credential = cred
	}
	if err := checkICEServer(server, s.MintTURN); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

// iceEntry mirrors one RTCIceServer; urls may be a string or a list.
type iceEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*l = many
	return nil
}

// DecodeICEServers parses the RTCConfiguration.iceServers shape. Blank
// URLs are dropped; every entry must still carry at least one.
func DecodeICEServers(raw string, mintTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		var urls []string
		for _, u := range e.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(e.Username)}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server, mintTURN); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func commaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer, mintTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("no urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		scheme, ok := iceScheme(u)
		if !ok {
			return fmt.Errorf("%q is not a stun, stuns, turn or turns url", u)
		}
		if scheme == "turn" || scheme == "turns" {
			needsCreds = true
		}
	}
	if !needsCreds || mintTURN {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn entry has no username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn entry has no credential")
	}
	return nil
}

// iceScheme returns the lowercased URI scheme of an ICE URL, and whether it
// is one browsers accept.
func iceScheme(u string) (string, bool) {
	scheme, _, found := strings.Cut(strings.TrimSpace(u), ":")
	if !found {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	default:
		return "", false
	}
}

// IsTURNServer reports whether any of server's URLs is a TURN URL.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if scheme, ok := iceScheme(u); ok && (scheme == "turn" || scheme == "turns") {
			return true
		}
	}
	return false
}
