// Package security guards session access: id validation, owner binding,
// CSRF tokens and enumeration detection.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"
)

// Options configures a Guard.
type Options struct {
	// Secret keys the binding and CSRF MACs. When empty a random secret is
	// generated, so bindings do not survive a restart.
	Secret   []byte
	Detector DetectorConfig
	Now      func() time.Time
	Logger   *slog.Logger
	// OnFlag is called whenever a source becomes flagged.
	OnFlag func(Flag)
}

// Guard validates ids and authenticates access to sessions.
type Guard struct {
	secret   []byte
	detector *Detector
	logger   *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(opts Options) (*Guard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate binding secret: %w", err)
		}
		logger.Warn("no binding secret configured; using an ephemeral secret")
	}

	g := &Guard{secret: secret, logger: logger}
	g.detector = NewDetector(opts.Detector, opts.Now, func(f Flag) {
		logger.Warn("enumeration detected",
			"source", f.Subject,
			"failed_attempts", f.FailedAttempts,
			"cooldown_until", f.CooldownUntil,
		)
		if opts.OnFlag != nil {
			opts.OnFlag(f)
		}
	})
	return g, nil
}

// Detector exposes the enumeration detector.
func (g *Guard) Detector() *Detector { return g.detector }

// ValidateSessionID applies the id policy.
func (g *Guard) ValidateSessionID(id string) error {
	return ValidateSessionID(id)
}

// Admit rejects flagged sources before any backend work is done.
func (g *Guard) Admit(source string) error {
	return g.detector.Check(source)
}

// RecordFailure counts a failed lookup against source.
func (g *Guard) RecordFailure(source string) {
	g.detector.Failure(source)
}

// RecordSuccess resets source's failure count.
func (g *Guard) RecordSuccess(source string) {
	g.detector.Success(source)
}

// Bind returns the tamper-evident binding between a session and its owner.
func (g *Guard) Bind(sessionID, owner string) string {
	return g.mac("bind", sessionID, owner)
}

// VerifyBinding checks a stored binding against (sessionID, owner).
func (g *Guard) VerifyBinding(sessionID, owner, binding string) error {
	if !hmac.Equal([]byte(binding), []byte(g.Bind(sessionID, owner))) {
		return fmt.Errorf("%w: owner binding mismatch for session %q", ErrAuthorization, sessionID)
	}
	return nil
}

// NewCSRFNonce returns a random per-session nonce.
func (g *Guard) NewCSRFNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// CSRFToken derives the session's CSRF token. It is stable for the life of
// the session, so it can be handed out again on repeat ensure calls.
func (g *Guard) CSRFToken(sessionID, owner, nonce string) string {
	return g.mac("csrf", sessionID, owner, nonce)
}

// VerifyCSRF checks token for a state-changing call.
func (g *Guard) VerifyCSRF(sessionID, owner, nonce, token string) error {
	if token == "" || !hmac.Equal([]byte(token), []byte(g.CSRFToken(sessionID, owner, nonce))) {
		return fmt.Errorf("%w: CSRF token mismatch for session %q", ErrAuthorization, sessionID)
	}
	return nil
}

func (g *Guard) mac(purpose string, parts ...string) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(purpose))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

type sourceKey struct{}

// WithSource attaches the originating source (client address, API client)
// used for enumeration tracking.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the source set by WithSource.
func SourceFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(sourceKey{}).(string)
	return s, ok && s != ""
}
