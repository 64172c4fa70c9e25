package webrtc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"carelink/pkg/config"

	"github.com/pion/webrtc/v3"
)

// turnCredentialLifetime is how long derived hmac-sha1 credentials stay valid.
const turnCredentialLifetime = 24 * time.Hour

var errUnsupportedCredential = errors.New("unsupported ICE credential type")

// ICEServers converts configured servers to pion's form. Servers with the
// hmac-sha1 credential type get ephemeral TURN credentials derived from the
// configured shared secret.
func ICEServers(servers []config.ICEServer, now time.Time) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server, err := iceServer(s, now)
		if err != nil {
			return nil, fmt.Errorf("ice server %v: %w", s.URLs, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func iceServer(s config.ICEServer, now time.Time) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{
		URLs:           s.URLs,
		Username:       s.Username,
		CredentialType: webrtc.ICECredentialTypePassword,
	}

	switch s.CredentialType {
	case "", "password":
		if s.Credential != "" {
			server.Credential = s.Credential
		}
	case "hmac-sha1":
		if s.Credential == "" {
			return webrtc.ICEServer{}, errors.New("hmac-sha1 requires a shared secret")
		}
		expiry := now.Add(turnCredentialLifetime).Unix()
		username := fmt.Sprintf("%d", expiry)
		if s.Username != "" {
			username = fmt.Sprintf("%d:%s", expiry, s.Username)
		}
		mac := hmac.New(sha1.New, []byte(s.Credential))
		mac.Write([]byte(username))

		server.Username = username
		server.Credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	default:
		return webrtc.ICEServer{}, fmt.Errorf("%w: %q", errUnsupportedCredential, s.CredentialType)
	}
	return server, nil
}
