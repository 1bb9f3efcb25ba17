// Package auth exchanges a long-lived refresh token for the short-lived
// session token the observe stream needs, and keeps it fresh.
//
// The exchange has three steps: an OAuth2 refresh grant, a JWT issued
// by the vendor's auth proxy, and a legacy session lookup authorised by
// that JWT. Network failures are retried indefinitely with a fixed
// delay; credential rejections and rate limiting are returned to the
// caller.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nestobserve/internal/apierr"
	"nestobserve/internal/clock"
	"nestobserve/internal/retry"
)

// OAuth client ids of the vendor's iOS app and its field-test build.
const (
	ClientID          = "733249279899-1gpkq9duqmdp55a7e5lft1pr2smumdla.apps.googleusercontent.com"
	FieldTestClientID = "384529615266-57v6vaptkmhm64n9hn5dcmkr4at14p8j.apps.googleusercontent.com"
)

// Config configures an Authenticator. Zero durations take defaults.
type Config struct {
	// RefreshToken selects the OAuth2 refresh flow.
	RefreshToken string
	// LegacyToken, used when RefreshToken is empty, is presented to the
	// session endpoint directly.
	LegacyToken string
	APIKey      string
	FieldTest   bool

	TokenURL   string
	JWTURL     string
	SessionURL string
	UserAgent  string
	Referer    string

	RetryDelay       time.Duration
	LongBackoff      time.Duration
	FailureThreshold int
	RequestTimeout   time.Duration

	RefreshReauth   time.Duration
	LegacyReauth    time.Duration
	RefreshLifetime time.Duration
	LegacyLifetime  time.Duration
}

// Default endpoints and timings.
const (
	DefaultTokenURL         = "https://oauth2.googleapis.com/token"
	DefaultJWTURL           = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"
	DefaultSessionURL       = "https://home.nest.com/session"
	DefaultReferer          = "https://home.nest.com"
	DefaultUserAgent        = "Nest/5.69.0 (iOScom.nestlabs.jasper.release) os=15.6"
	DefaultRetryDelay       = 15 * time.Second
	DefaultLongBackoff      = time.Hour
	DefaultFailureThreshold = 6
	DefaultRequestTimeout   = 40 * time.Second
	DefaultRefreshReauth    = 55 * time.Minute
	DefaultLegacyReauth     = 20 * 24 * time.Hour
	DefaultRefreshLifetime  = 60 * time.Minute
	DefaultLegacyLifetime   = 30 * 24 * time.Hour
)

func (c *Config) setDefaults() {
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.JWTURL == "" {
		c.JWTURL = DefaultJWTURL
	}
	if c.SessionURL == "" {
		c.SessionURL = DefaultSessionURL
	}
	if c.Referer == "" {
		c.Referer = DefaultReferer
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LongBackoff <= 0 {
		c.LongBackoff = DefaultLongBackoff
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RefreshReauth <= 0 {
		c.RefreshReauth = DefaultRefreshReauth
	}
	if c.LegacyReauth <= 0 {
		c.LegacyReauth = DefaultLegacyReauth
	}
	if c.RefreshLifetime <= 0 {
		c.RefreshLifetime = DefaultRefreshLifetime
	}
	if c.LegacyLifetime <= 0 {
		c.LegacyLifetime = DefaultLegacyLifetime
	}
}

// Credential is the result of a successful exchange.
type Credential struct {
	Token        string
	TransportURL string
	UserID       string
	IssuedAt     time.Time
	Expires      time.Time
	RefreshFlow  bool
}

// Valid reports whether the credential can still be presented at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.Expires)
}

// Authenticator owns the session credential. Authenticate calls are
// serialised; the credential can be read concurrently.
type Authenticator struct {
	client *http.Client
	clock  clock.Clock
	logger *slog.Logger

	authMu sync.Mutex // held for the whole of Authenticate

	mu        sync.Mutex
	cfg       Config
	cred      Credential
	failures  int
	timer     *clock.Timer
	observers map[int]func(Credential)
	nextObs   int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an Authenticator. It does not contact the network.
func New(cfg Config, client *http.Client, clk clock.Clock, logger *slog.Logger) *Authenticator {
	cfg.setDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Authenticator{
		client:    client,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
		observers: map[int]func(Credential){},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Credential returns the current credential and whether it is valid.
func (a *Authenticator) Credential() (Credential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cred, a.cred.Valid(a.clock.Now())
}

// Valid reports whether a usable credential is held.
func (a *Authenticator) Valid() bool {
	_, ok := a.Credential()
	return ok
}

// Failures returns the consecutive session rejection count.
func (a *Authenticator) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// Subscribe registers fn to be called with every new credential. The
// returned function removes it.
func (a *Authenticator) Subscribe(fn func(Credential)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// SetRefreshToken replaces the refresh token used by later exchanges.
func (a *Authenticator) SetRefreshToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.RefreshToken = token
}

// Close cancels the pre-emptive reauthentication timer and any
// exchange it started.
func (a *Authenticator) Close() {
	a.mu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.cancel()
}

// Authenticate runs the exchange until it succeeds or fails
// terminally. Unless preemptive, the current credential is dropped
// first so the stream stops using it.
func (a *Authenticator) Authenticate(ctx context.Context, preemptive bool) (Credential, error) {
	a.authMu.Lock()
	defer a.authMu.Unlock()

	for {
		if !preemptive {
			a.invalidate()
		}
		cfg := a.config()
		refreshFlow := cfg.RefreshToken != ""

		token := cfg.LegacyToken
		if refreshFlow {
			a.logger.Debug("authenticating via google")
			jwt, err := a.issueJWT(ctx, cfg)
			if err != nil {
				a.logger.Error("access token acquisition failed", "error", err)
				return Credential{}, err
			}
			token = jwt
		}

		sess, err := a.session(ctx, cfg, token)
		if err == nil {
			return a.store(sess, refreshFlow), nil
		}
		if ctx.Err() != nil {
			return Credential{}, ctx.Err()
		}

		switch {
		case apierr.Is(err, apierr.AuthInvalid) && refreshFlow:
			a.logger.Error("auth failed: access token rejected", "error", err)
			return Credential{}, err
		case apierr.Is(err, apierr.AuthInvalid):
			failures := a.recordFailure()
			a.logger.Error("auth failed: credentials rejected", "failures", failures)
			if failures >= cfg.FailureThreshold {
				a.logger.Error("too many failed auth attempts", "wait", cfg.LongBackoff)
				if err := a.sleep(ctx, cfg.LongBackoff); err != nil {
					return Credential{}, err
				}
			}
		case apierr.Is(err, apierr.AuthRateLimited):
			a.logger.Error("auth failed: rate limit exceeded, try again in 60 minutes")
			return Credential{}, err
		default:
			a.logger.Error("could not authenticate", "error", err, "retry_in", cfg.RetryDelay)
			if err := a.sleep(ctx, cfg.RetryDelay); err != nil {
				return Credential{}, err
			}
		}
	}
}

func (a *Authenticator) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Authenticator) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cred = Credential{}
}

func (a *Authenticator) recordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	return a.failures
}

func (a *Authenticator) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.clock.After(d):
		return nil
	}
}

func (a *Authenticator) store(sess sessionResponse, refreshFlow bool) Credential {
	now := a.clock.Now()
	cfg := a.config()
	lifetime, reauth := cfg.LegacyLifetime, cfg.LegacyReauth
	if refreshFlow {
		lifetime, reauth = cfg.RefreshLifetime, cfg.RefreshReauth
	}
	cred := Credential{
		Token:        sess.AccessToken,
		TransportURL: sess.URLs.TransportURL,
		UserID:       sess.UserID,
		IssuedAt:     now,
		Expires:      now.Add(lifetime),
		RefreshFlow:  refreshFlow,
	}

	a.mu.Lock()
	a.cred = cred
	a.failures = 0
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !a.closed {
		a.timer = a.clock.AfterFunc(reauth, func() { go a.preemptive() })
	}
	observers := make([]func(Credential), 0, len(a.observers))
	for _, fn := range a.observers {
		observers = append(observers, fn)
	}
	a.mu.Unlock()

	a.logger.Info("authentication successful", "user", cred.UserID, "expires", cred.Expires, "reauth_in", reauth)
	for _, fn := range observers {
		fn(cred)
	}
	return cred
}

func (a *Authenticator) preemptive() {
	a.logger.Debug("initiating pre-emptive reauthentication")
	if _, err := a.Authenticate(a.ctx, true); err != nil {
		a.logger.Warn("pre-emptive reauthentication failed", "error", err)
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

type jwtRequest struct {
	EmbedGoogleOAuthAccessToken bool   `json:"embed_google_oauth_access_token"`
	ExpireAfter                 string `json:"expire_after"`
	GoogleOAuthAccessToken      string `json:"google_oauth_access_token"`
	PolicyID                    string `json:"policy_id"`
}

type jwtResponse struct {
	JWT string `json:"jwt"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"userid"`
	URLs        struct {
		TransportURL string `json:"transport_url"`
	} `json:"urls"`
}

// issueJWT runs the refresh grant and the JWT issuance, retrying
// transient failures.
func (a *Authenticator) issueJWT(ctx context.Context, cfg Config) (string, error) {
	policy := retry.Fixed(cfg.RetryDelay)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		a.logger.Warn("auth exchange failed, retrying", "attempt", attempt, "error", err, "retry_in", wait)
	}

	return retry.DoWithResult(ctx, a.clock, policy, func() (string, error) {
		clientID := ClientID
		if cfg.FieldTest {
			clientID = FieldTestClientID
		}
		form := url.Values{
			"refresh_token": {cfg.RefreshToken},
			"client_id":     {clientID},
			"grant_type":    {"refresh_token"},
		}
		var tok tokenResponse
		err := a.do(ctx, "token", http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()), map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"User-Agent":   cfg.UserAgent,
		}, &tok)
		if err != nil {
			return "", classify(err)
		}
		if tok.AccessToken == "" || tok.Error != "" {
			return "", retry.Permanent(&apierr.Error{Kind: apierr.AuthInvalid, Op: "token",
				Err: fmt.Errorf("google authentication unsuccessful: %q", tok.Error)})
		}

		body, err := json.Marshal(jwtRequest{
			EmbedGoogleOAuthAccessToken: true,
			ExpireAfter:                 "3600s",
			GoogleOAuthAccessToken:      tok.AccessToken,
			PolicyID:                    "authproxy-oauth-policy",
		})
		if err != nil {
			return "", retry.Permanent(err)
		}
		headers := map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + tok.AccessToken,
			"User-Agent":    cfg.UserAgent,
			"Referer":       cfg.Referer,
		}
		if cfg.APIKey != "" {
			headers["x-goog-api-key"] = cfg.APIKey
		}
		var jwt jwtResponse
		if err := a.do(ctx, "issue_jwt", http.MethodPost, cfg.JWTURL, strings.NewReader(string(body)), headers, &jwt); err != nil {
			return "", classify(err)
		}
		if jwt.JWT == "" {
			return "", retry.Permanent(&apierr.Error{Kind: apierr.AuthInvalid, Op: "issue_jwt", Err: errors.New("empty jwt")})
		}
		return jwt.JWT, nil
	})
}

// classify marks every failure except transient ones as permanent.
// Statuses other than 400 and 429 are reported as AuthInvalid.
func classify(err error) error {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Kind {
	case apierr.TransportTransient:
		return err
	case apierr.AuthInvalid, apierr.AuthRateLimited:
		return retry.Permanent(err)
	}
	if ae.Status != 0 {
		return retry.Permanent(&apierr.Error{Kind: apierr.AuthInvalid, Op: ae.Op, Status: ae.Status, Err: ae.Err})
	}
	return err
}

func (a *Authenticator) session(ctx context.Context, cfg Config, token string) (sessionResponse, error) {
	var sess sessionResponse
	err := a.do(ctx, "session", http.MethodGet, cfg.SessionURL, nil, map[string]string{
		"Authorization": "Basic " + token,
		"User-Agent":    cfg.UserAgent,
		"Cookie":        "G_ENABLED_IDPS=google; eu_cookie_accepted=1; viewer-volume=0.5; cztoken=" + token,
	}, &sess)
	if err != nil {
		return sess, err
	}
	if sess.AccessToken == "" {
		return sess, &apierr.Error{Kind: apierr.Unknown, Op: "session", Err: errors.New("no access token in response")}
	}
	return sess, nil
}

// do performs one request with the per-call timeout and decodes a JSON
// response into out.
func (a *Authenticator) do(ctx context.Context, op, method, target string, body io.Reader, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.config().RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return apierr.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return apierr.FromStatus(op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apierr.Error{Kind: apierr.Unknown, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
