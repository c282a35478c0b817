package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/codedrop/broker/internal/config"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE godoc
// @Summary ICE servers for browser peer connections
// @Description Returns STUN/TURN servers. When TURN REST is configured, TURN entries carry freshly minted ephemeral credentials.
// @Tags WebRTC
// @Produce json
// @Success 200 {object} iceResponse
// @Failure 503 {object} errorResponse "ICE configuration is invalid"
// @Router /webrtc/ice [get]
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN != nil {
		creds, err := s.deps.TURN.GenerateRandom()
		if err != nil {
			s.log.Error("failed to mint TURN REST credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to generate TURN credentials"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.IsTURNServer(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
