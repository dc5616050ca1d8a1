// Package auth holds the agent's bearer token and drives the
// enroll/authenticate handshakes with the backend. Enroll and
// AuthenticateUntilSuccess retry on a fixed interval until the process
// is cancelled; Authenticate itself is a single attempt, used as the
// session's mid-request 401 hook where an unbounded retry would hang
// every in-flight request.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/platform"
)

// Settings is the subset of pkg/config.Store that auth needs.
type Settings interface {
	GetString(key, def string) string
	AddSetting(key string, value interface{}) (bool, error)
	Reload() error
}

// Session is the subset of pkg/transport.Session that auth needs.
type Session interface {
	PostJSON(ctx context.Context, logicalName string, body, out interface{}) error
}

// Authenticator holds the agent's in-memory bearer token and performs
// enrollment and re-authentication against the backend.
type Authenticator struct {
	settings Settings
	session  Session
	version  string

	mu    sync.RWMutex
	token string
}

// NewAuthenticator creates an authenticator bound to settings and
// session. If AGENT_TOKEN is already present in settings (from a
// prior enrollment) it is loaded as the current token.
func NewAuthenticator(settings Settings, session Session, version string) *Authenticator {
	a := &Authenticator{settings: settings, session: session, version: version}
	if tok := settings.GetString("AGENT_TOKEN", ""); tok != "" {
		a.token = tok
	}
	return a
}

// Token returns the current bearer token, if any.
func (a *Authenticator) Token() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token, a.token != ""
}

type enrollResponse struct {
	Token string `json:"token"`
}

// Enroll registers this device with the backend, retrying every
// enrollWait until it succeeds or ctx is cancelled. A successful
// enrollment persists AGENT_TOKEN to the user settings layer.
func (a *Authenticator) Enroll(ctx context.Context, instanceID string, enrollWait time.Duration) error {
	for {
		info := platform.Info(instanceID, a.version)
		var rsp enrollResponse
		err := a.session.PostJSON(ctx, "enroll", info, &rsp)
		if err == nil && rsp.Token != "" {
			if _, err := a.settings.AddSetting("AGENT_TOKEN", rsp.Token); err != nil {
				return fmt.Errorf("auth: persist token: %w", err)
			}
			a.mu.Lock()
			a.token = rsp.Token
			a.mu.Unlock()
			return nil
		}
		if err != nil {
			log.WithComponent("auth").Warn().Err(err).Msg("enroll failed, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(enrollWait):
		}
	}
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate makes a single attempt to exchange the current
// credentials for a fresh bearer token. It is the transport.Authenticator
// implementation installed on the session, called exactly once by the
// 401 mid-request hook (§4.5): a failure here must surface to the
// caller rather than retry, mirroring the original's single-shot
// EPCAuth.authenticate().
func (a *Authenticator) Authenticate(ctx context.Context) error {
	var rsp authResponse
	err := a.session.PostJSON(ctx, "auth", struct {
		InstanceID string `json:"instance_id"`
	}{InstanceID: a.settings.GetString("INSTANCE_ID", "")}, &rsp)
	if err != nil {
		return fmt.Errorf("auth: authenticate: %w", err)
	}
	if rsp.Token == "" {
		return fmt.Errorf("auth: authenticate: empty token in response")
	}
	a.mu.Lock()
	a.token = rsp.Token
	a.mu.Unlock()
	return nil
}

// AuthenticateUntilSuccess drives the startup handshake: it calls
// Authenticate once per attempt, reloading settings and waiting
// authWait between attempts, until it succeeds or ctx is cancelled.
// This retry-until-success shape belongs only to the startup caller
// (pkg/service.setupAuth) — the original's equivalent loop lives in
// service.py's setup_auth, not in auth.py's authenticate().
func (a *Authenticator) AuthenticateUntilSuccess(ctx context.Context, authWait time.Duration) error {
	for {
		if err := a.Authenticate(ctx); err == nil {
			return nil
		} else {
			log.WithComponent("auth").Warn().Err(err).Msg("authenticate failed, retrying")
		}

		if err := a.settings.Reload(); err != nil {
			log.WithComponent("auth").Warn().Err(err).Msg("config reload failed before auth retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(authWait):
		}
	}
}
