package iceconfig

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/friendsincode/gridcore/internal/coordinator"
)

func TestFallbackServersParsesEmbeddedAsset(t *testing.T) {
	servers := FallbackServers()
	if len(servers) != 3 {
		t.Fatalf("expected 3 fallback STUN servers, got %d", len(servers))
	}
	for _, s := range servers {
		if len(s.URLs) != 1 || !strings.HasPrefix(s.URLs[0], "stun:") {
			t.Fatalf("unexpected fallback server: %+v", s)
		}
	}
}

// hmacFor reimplements the credential derivation independently, so the
// test catches a regression in timeLimitedCredentials's HMAC scheme
// rather than just echoing its own logic back at it.
func hmacFor(username, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTimeLimitedCredentialsMatchesHMACSHA1Scheme(t *testing.T) {
	username, credential := timeLimitedCredentials("sharedsecret")
	want := hmacFor(username, "sharedsecret")
	if credential != want {
		t.Fatalf("credential %q does not match independently computed HMAC %q", credential, want)
	}
}

func TestTimeLimitedCredentialsUsernameFormat(t *testing.T) {
	before := time.Now().Add(24 * time.Hour).Unix()
	username, _ := timeLimitedCredentials("secret")
	after := time.Now().Add(24 * time.Hour).Unix()

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 || parts[1] != "roguegrid9" {
		t.Fatalf("unexpected username format: %q", username)
	}

	var expiry int64
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			t.Fatalf("non-numeric timestamp in username: %q", parts[0])
		}
		expiry = expiry*10 + int64(r-'0')
	}
	if expiry < before || expiry > after {
		t.Fatalf("expiry %d not within [%d,%d]", expiry, before, after)
	}
}

func TestToICEServersUsesLiteralCredentialsWhenNotTimeLimited(t *testing.T) {
	cfg := coordinator.ICEConfig{
		TURNServers: []coordinator.TURNServerConfig{
			{URLs: []string{"turn:turn.example:3478"}, Username: "u", Credential: "c"},
		},
	}
	servers := toICEServers(cfg)
	if len(servers) != 1 || servers[0].Username != "u" || servers[0].Credential != "c" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestToICEServersDerivesTimeLimitedCredentials(t *testing.T) {
	cfg := coordinator.ICEConfig{
		TURNServers: []coordinator.TURNServerConfig{
			{URLs: []string{"turn:turn.example:3478"}, Credential: "sharedsecret", AuthType: "time-limited"},
		},
	}
	servers := toICEServers(cfg)
	if len(servers) != 1 {
		t.Fatalf("expected 1 server")
	}
	if servers[0].Credential == "sharedsecret" {
		t.Fatalf("expected derived credential, got literal secret passed through")
	}
	if !strings.HasSuffix(servers[0].Username, ":roguegrid9") {
		t.Fatalf("unexpected derived username: %v", servers[0].Username)
	}
}

func TestToICEServersIncludesSTUNEntriesVerbatim(t *testing.T) {
	cfg := coordinator.ICEConfig{
		STUNServers: []coordinator.STUNServerConfig{{URLs: []string{"stun:stun.example:3478"}}},
	}
	servers := toICEServers(cfg)
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example:3478" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}
