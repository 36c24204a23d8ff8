package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/oauth2/google"

	"notifyd/internal/cache"
)

// ValidationResult is the outcome of one validation check, with a message
// suitable for the CLI.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is implemented by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer opens a connection to a backing service and closes it again. It
// only proves the URL and credentials work.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, rawURL string) error

func (f DialerFunc) Dial(ctx context.Context, rawURL string) error { return f(ctx, rawURL) }

func dialPostgres(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

func dialAMQP(_ context.Context, rawURL string) error {
	conn, err := amqp.DialConfig(rawURL, amqp.Config{Dial: amqp.DefaultDial(validateTimeout)})
	if err != nil {
		return err
	}
	return conn.Close()
}

func dialRedis(ctx context.Context, rawURL string) error {
	client, err := cache.Connect(ctx, cache.Config{URL: rawURL, ConnectTimeout: validateTimeout})
	if err != nil {
		return err
	}
	return client.Close()
}

// Validator holds the network dependencies of the validation functions.
type Validator struct {
	httpClient HTTPClient
	postgres   Dialer
	amqp       Dialer
	redis      Dialer
}

// NewValidator creates a Validator with real network dependencies.
func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		postgres:   DialerFunc(dialPostgres),
		amqp:       DialerFunc(dialAMQP),
		redis:      DialerFunc(dialRedis),
	}
}

// NewValidatorWithDeps creates a Validator for tests. Nil dialers are
// never called by tests that do not reach them.
func NewValidatorWithDeps(httpClient HTTPClient, postgres, amqpDialer, redisDialer Dialer) *Validator {
	return &Validator{
		httpClient: httpClient,
		postgres:   postgres,
		amqp:       amqpDialer,
		redis:      redisDialer,
	}
}

// validateTimeout is the outer bound on every active probe.
const validateTimeout = 15 * time.Second

// ValidateDatabaseURL checks the scheme and connects with pgx.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	return v.validateServiceURL(ctx, rawURL, "database", []string{"postgres", "postgresql"}, v.postgres)
}

// ValidateAMQPURL checks the scheme and opens an AMQP connection.
func (v *Validator) ValidateAMQPURL(ctx context.Context, rawURL string) ValidationResult {
	return v.validateServiceURL(ctx, rawURL, "broker", []string{"amqp", "amqps"}, v.amqp)
}

// ValidateRedisURL checks the scheme and pings Redis.
func (v *Validator) ValidateRedisURL(ctx context.Context, rawURL string) ValidationResult {
	return v.validateServiceURL(ctx, rawURL, "redis", []string{"redis", "rediss"}, v.redis)
}

func (v *Validator) validateServiceURL(ctx context.Context, rawURL, what string, schemes []string, dialer Dialer) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Message: what + " URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid URL format: %v", err)}
	}

	ok := false
	for _, s := range schemes {
		if parsed.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return ValidationResult{Message: fmt.Sprintf("expected scheme %s, got %q", strings.Join(schemes, " or "), parsed.Scheme)}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{Message: what + " URL has no host"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := dialer.Dial(dialCtx, rawURL); err != nil {
		return ValidationResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("%s connection verified (host=%s)", what, parsed.Hostname())}
}

// ValidateSendGridKey checks the key prefix and calls GET /v3/scopes, which
// must list mail.send.
func (v *Validator) ValidateSendGridKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if key == "" {
		return ValidationResult{Message: "SendGrid API key must not be empty"}
	}
	if !strings.HasPrefix(key, "SG.") {
		return ValidationResult{Message: "SendGrid API key should start with 'SG.'"}
	}

	status, body, err := v.probe(ctx, "https://api.sendgrid.com/v3/scopes", map[string]string{
		"Authorization": "Bearer " + key,
	})
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API probe failed: %v", err)}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API returned HTTP %d: key is invalid", status)}
	}
	if status != http.StatusOK {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API returned HTTP %d: %s", status, truncateBody(body, 200))}
	}

	var scopes struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &scopes); err != nil {
		return ValidationResult{Message: "SendGrid API returned an unreadable scopes response"}
	}
	for _, s := range scopes.Scopes {
		if s == "mail.send" {
			return ValidationResult{Valid: true, Message: "SendGrid API key verified (mail.send granted)"}
		}
	}
	return ValidationResult{Message: "SendGrid API key lacks the mail.send scope"}
}

// ValidatePostmarkToken calls GET /server with the server token.
func (v *Validator) ValidatePostmarkToken(ctx context.Context, token string) ValidationResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return ValidationResult{Message: "Postmark server token must not be empty"}
	}

	status, body, err := v.probe(ctx, "https://api.postmarkapp.com/server", map[string]string{
		"X-Postmark-Server-Token": token,
		"Accept":                  "application/json",
	})
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("Postmark API probe failed: %v", err)}
	}
	if status != http.StatusOK {
		return ValidationResult{Message: fmt.Sprintf("Postmark API returned HTTP %d: %s", status, truncateBody(body, 200))}
	}

	var server struct {
		Name string `json:"Name"`
	}
	_ = json.Unmarshal(body, &server)
	return ValidationResult{Valid: true, Message: fmt.Sprintf("Postmark server token verified (server=%q)", server.Name)}
}

// ValidateFCMCredentials parses a service account key without network
// access and requires a project id.
func (v *Validator) ValidateFCMCredentials(ctx context.Context, raw string) ValidationResult {
	if strings.TrimSpace(raw) == "" {
		return ValidationResult{Message: "FCM credentials must not be empty"}
	}

	var key struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return ValidationResult{Message: fmt.Sprintf("FCM credentials are not valid JSON: %v", err)}
	}
	if key.Type != "service_account" {
		return ValidationResult{Message: fmt.Sprintf("expected a service_account key, got type %q", key.Type)}
	}

	creds, err := google.CredentialsFromJSON(ctx, []byte(raw), "https://www.googleapis.com/auth/firebase.messaging")
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("FCM credentials rejected: %v", err)}
	}
	if creds.ProjectID == "" {
		return ValidationResult{Message: "FCM credentials carry no project_id"}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("FCM service account parsed (project=%s)", creds.ProjectID)}
}

// ValidateRegex checks input against pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return ValidationResult{Message: fieldName + " must not be empty"}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid validation pattern for %s: %v", fieldName, err)}
	}
	if !re.MatchString(input) {
		return ValidationResult{Message: fmt.Sprintf("%s does not match the expected format", fieldName)}
	}
	return ValidationResult{Valid: true, Message: fieldName + " format is valid"}
}

func (v *Validator) probe(ctx context.Context, endpoint string, headers map[string]string) (int, []byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	req.Header.Set("User-Agent", "notifyd-bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, nil
}

func truncateBody(body []byte, n int) string {
	s := string(body)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
