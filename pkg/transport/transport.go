// Package transport is the agent's HTTP session: a logical-name route
// table resolved against the backend, bearer-token auth with a single
// reauthenticate-and-retry on 401, and optional CA pinning. It plays
// the role the teacher's pkg/client gRPC dialer plays for the CLI, but
// speaks HTTP to a single backend instead of mTLS gRPC to a cluster.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/metrics"
)

// ErrNoInstance is returned when the session has no INSTANCE_ID setting.
var ErrNoInstance = errors.New("transport: no instance id configured")

// ErrRouteNotFound is returned when a logical name has no known route.
var ErrRouteNotFound = errors.New("transport: unknown route")

const defaultTimeout = 30 * time.Second

// Settings is the subset of pkg/config.Store that the session needs.
// Declared as an interface so transport has no import-time dependency
// on the config package's concrete type.
type Settings interface {
	GetString(key, def string) string
	Get(key string) (interface{}, bool)
	Reload() error
}

// Authenticator installs credentials into the session on demand. It is
// satisfied by pkg/auth.Authenticator; declared here so transport does
// not import pkg/auth (which declares its own Session interface and
// does not import transport either).
type Authenticator interface {
	Authenticate(ctx context.Context) error
	Token() (string, bool)
}

// Session is the agent's HTTP client for backend communication. The
// service builds one, and each worker process builds its own.
type Session struct {
	settings Settings
	client   *http.Client
	baseURL  string
	routeURL string
	version  string
	platform string

	authMu sync.Mutex
	auth   Authenticator

	routeMu     sync.Mutex
	routes      map[string][]string
	routeFetch  bool
	routeWaitCh chan struct{}
}

// NewSession builds a session from settings. baseURL is the backend's
// address; it only supplies the default ROUTE_URL (baseURL + "/route")
// when no ROUTE_URL setting is present. A logical name missing from the
// route table fails with ErrRouteNotFound.
func NewSession(settings Settings, baseURL, version, platform string) (*Session, error) {
	transport := &http.Transport{}

	if caPEM := settings.GetString("CA_CERTIFICATE", ""); caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, fmt.Errorf("transport: invalid CA_CERTIFICATE PEM")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	if proxy := settings.GetString("PROXIES", ""); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid PROXIES setting: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Session{
		settings: settings,
		client:   &http.Client{Transport: transport, Timeout: defaultTimeout},
		baseURL:  baseURL,
		routeURL: settings.GetString("ROUTE_URL", baseURL+"/route"),
		version:  version,
		platform: platform,
		routes:   make(map[string][]string),
	}, nil
}

// SetAuthenticator installs the authenticator used to re-auth on 401.
func (s *Session) SetAuthenticator(a Authenticator) {
	s.authMu.Lock()
	s.auth = a
	s.authMu.Unlock()
}

// UserAgent is sent on every outbound request.
func (s *Session) UserAgent() string {
	return fmt.Sprintf("AgentCtl/%s (%s)", s.version, s.platform)
}

// Do resolves logicalName through the route table, attaches bearer
// auth if available, and retries once after a 401 triggers
// reauthentication.
func (s *Session) Do(ctx context.Context, logicalName string, method string, body []byte) (*http.Response, error) {
	return s.DoQuery(ctx, logicalName, method, nil, body)
}

// DoQuery is Do with an additional query string appended to the
// resolved route URL, used by GET endpoints like code_manifest and
// code_pkg that address a resource by query parameter.
func (s *Session) DoQuery(ctx context.Context, logicalName, method string, query url.Values, body []byte) (*http.Response, error) {
	if _, ok := s.settings.Get("INSTANCE_ID"); !ok {
		if err := s.settings.Reload(); err != nil {
			log.WithComponent("transport").Warn().Err(err).Msg("config reload failed during INSTANCE_ID preflight")
		}
		if _, ok := s.settings.Get("INSTANCE_ID"); !ok {
			return nil, ErrNoInstance
		}
	}

	resp, err := s.send(ctx, logicalName, method, query, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	s.authMu.Lock()
	auth := s.auth
	s.authMu.Unlock()
	if auth == nil {
		return resp, nil
	}
	if err := auth.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("transport: reauthenticate after 401: %w", err)
	}
	return s.send(ctx, logicalName, method, query, body)
}

// PostJSON marshals body, posts it to logicalName, and unmarshals the
// response into out (if non-nil).
func (s *Session) PostJSON(ctx context.Context, logicalName string, body, out interface{}) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
	}

	resp, err := s.Do(ctx, logicalName, http.MethodPost, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: %s returned %d", logicalName, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Session) send(ctx context.Context, logicalName, method string, query url.Values, body []byte) (*http.Response, error) {
	target, err := s.resolve(ctx, logicalName)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	timer := metrics.NewTimer()
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	s.authMu.Lock()
	auth := s.auth
	s.authMu.Unlock()
	if auth != nil {
		if token, ok := auth.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	timer.ObserveDurationVec(metrics.TransportRequestDuration, logicalName)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.TransportRequestsTotal.WithLabelValues(logicalName, status).Inc()
	if err != nil {
		return nil, fmt.Errorf("transport: request %s failed: %w", logicalName, err)
	}
	return resp, nil
}

// resolve turns a logical name into a concrete URL, fetching and
// caching the route table on first use (or on a miss) and retrying
// with ?auth=true once.
func (s *Session) resolve(ctx context.Context, logicalName string) (string, error) {
	if urls := s.lookupRoute(logicalName); len(urls) > 0 {
		return pickRoute(urls), nil
	}

	if err := s.fetchRoutes(ctx, false); err != nil {
		return "", err
	}
	if urls := s.lookupRoute(logicalName); len(urls) > 0 {
		return pickRoute(urls), nil
	}

	if err := s.fetchRoutes(ctx, true); err != nil {
		return "", err
	}
	if urls := s.lookupRoute(logicalName); len(urls) > 0 {
		return pickRoute(urls), nil
	}
	return "", fmt.Errorf("%w: %s", ErrRouteNotFound, logicalName)
}

func (s *Session) lookupRoute(name string) []string {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	return s.routes[name]
}

// fetchRoutes refreshes the route table. Concurrent callers coalesce
// onto a single in-flight fetch via routeFetch/routeWaitCh.
func (s *Session) fetchRoutes(ctx context.Context, authenticated bool) error {
	s.routeMu.Lock()
	if s.routeFetch {
		wait := s.routeWaitCh
		s.routeMu.Unlock()
		<-wait
		return nil
	}
	s.routeFetch = true
	s.routeWaitCh = make(chan struct{})
	s.routeMu.Unlock()

	defer func() {
		s.routeMu.Lock()
		s.routeFetch = false
		close(s.routeWaitCh)
		s.routeMu.Unlock()
	}()

	target := s.routeURL
	if authenticated {
		target += "?auth=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("transport: build route request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: fetch routes: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read route response: %w", err)
	}

	var routes map[string][]string
	if err := json.Unmarshal(raw, &routes); err != nil {
		return fmt.Errorf("transport: decode route response: %w", err)
	}

	s.routeMu.Lock()
	s.routes = routes
	s.routeMu.Unlock()

	log.WithComponent("transport").Debug().Int("routes", len(routes)).Msg("route table refreshed")
	return nil
}

func pickRoute(urls []string) string {
	if len(urls) == 1 {
		return urls[0]
	}
	return urls[rand.IntN(len(urls))]
}
