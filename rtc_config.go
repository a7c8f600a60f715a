package callkit

import (
	"os"

	"github.com/pion/webrtc/v4"
)

// DefaultRTCConfiguration is the STUN-only fallback used when no ICE
// servers are configured in the environment.
func DefaultRTCConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// RTCConfigurationFromEnv assembles the ICE server list from STUN_SERVER_URL
// and the TURN_*_SERVER_URL variables, skipping any that are unset. With no
// variables set it falls back to DefaultRTCConfiguration.
func RTCConfigurationFromEnv() webrtc.Configuration {
	var servers []webrtc.ICEServer

	if url := os.Getenv("STUN_SERVER_URL"); url != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	for _, key := range []string{"TURN_UDP_SERVER_URL", "TURN_TCP_SERVER_URL", "TURN_TLS_SERVER_URL"} {
		url := os.Getenv(key)
		if url == "" {
			continue
		}

		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{url},
			Username:       os.Getenv("TURN_SERVER_USERNAME"),
			Credential:     os.Getenv("TURN_SERVER_PASSWORD"),
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	if len(servers) == 0 {
		return DefaultRTCConfiguration()
	}

	return webrtc.Configuration{ICEServers: servers}
}
