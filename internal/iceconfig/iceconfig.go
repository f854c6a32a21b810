/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package iceconfig resolves WebRTC ICE server configuration from the
// coordinator, deriving time-limited TURN credentials where required,
// and falling back to a hard-coded STUN-only configuration when the
// coordinator is unreachable.
package iceconfig

import (
	_ "embed"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/gridcore/internal/coordinator"
)

//go:embed fallback.yaml
var fallbackYAML []byte

type fallbackDoc struct {
	StunServers []struct {
		URLs []string `yaml:"urls"`
	} `yaml:"stun_servers"`
}

// authTypeTimeLimited is the TURN auth scheme where the server returns a
// shared secret as `credential` and the client derives ephemeral
// username/credential pairs locally (spec §4.C).
const authTypeTimeLimited = "time-limited"

const turnRealm = "roguegrid9"

// Resolver fetches and caches ICE server configuration, per grid, with a
// TTL honoring the coordinator's reported `ttl` field (capped by refreshTTL).
type Resolver struct {
	client      *coordinator.Client
	refreshTTL  time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedConfig // gridID -> cached servers
}

type cachedConfig struct {
	servers   []webrtc.ICEServer
	expiresAt time.Time
}

// NewResolver builds an ICE configuration resolver.
func NewResolver(client *coordinator.Client, refreshTTL time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		client:     client,
		refreshTTL: refreshTTL,
		logger:     logger.With().Str("component", "iceconfig").Logger(),
		cache:      make(map[string]cachedConfig),
	}
}

// Resolve returns the ICE servers to use for a grid, fetching from the
// coordinator (with caching) and falling back to the hard-coded STUN list
// if the fetch fails.
func (r *Resolver) Resolve(ctx context.Context, gridID string) []webrtc.ICEServer {
	r.mu.Lock()
	if cached, ok := r.cache[gridID]; ok && time.Now().Before(cached.expiresAt) {
		servers := cached.servers
		r.mu.Unlock()
		return servers
	}
	r.mu.Unlock()

	cfg, err := r.client.ICEServerConfig(ctx, gridID)
	if err != nil {
		r.logger.Warn().Err(err).Str("grid_id", gridID).Msg("ICE config fetch failed, using STUN fallback")
		return FallbackServers()
	}

	servers := toICEServers(*cfg)
	ttl := r.refreshTTL
	if cfg.TTL > 0 {
		reported := time.Duration(cfg.TTL) * time.Second
		if reported < ttl {
			ttl = reported
		}
	}

	r.mu.Lock()
	r.cache[gridID] = cachedConfig{servers: servers, expiresAt: time.Now().Add(ttl)}
	r.mu.Unlock()

	return servers
}

// toICEServers converts a coordinator ICE config into pion's ICEServer
// slice, deriving ephemeral TURN credentials for time-limited entries.
func toICEServers(cfg coordinator.ICEConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers)+len(cfg.TURNServers))

	for _, stun := range cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: stun.URLs})
	}

	for _, turn := range cfg.TURNServers {
		username, credential := turn.Username, turn.Credential
		if turn.AuthType == authTypeTimeLimited {
			username, credential = timeLimitedCredentials(turn.Credential)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn.URLs,
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return servers
}

// timeLimitedCredentials derives a TURN REST API style ephemeral
// username/credential pair, valid for 24 hours, from secret.
func timeLimitedCredentials(secret string) (username, credential string) {
	expiry := time.Now().Add(24 * time.Hour).Unix()
	username = fmt.Sprintf("%d:%s", expiry, turnRealm)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return username, credential
}

// FallbackServers returns the hard-coded STUN-only ICE configuration used
// when the coordinator cannot be reached.
func FallbackServers() []webrtc.ICEServer {
	var doc fallbackDoc
	if err := yaml.Unmarshal(fallbackYAML, &doc); err != nil {
		// The embedded asset is static and validated by iceconfig_test.go;
		// a parse failure here would mean a corrupted build.
		panic(fmt.Sprintf("iceconfig: invalid embedded fallback.yaml: %v", err))
	}

	servers := make([]webrtc.ICEServer, 0, len(doc.StunServers))
	for _, s := range doc.StunServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs})
	}
	return servers
}
