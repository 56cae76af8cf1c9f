package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ouka/pkg/federation"
	"ouka/pkg/httpsig"
)

// State is a step of inbound verification.
type State int

const (
	StateReceived State = iota
	StateParsingSignatureHeader
	StateResolvingKey
	StateVerifyingDigest
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateParsingSignatureHeader:
		return "parsing_signature_header"
	case StateResolvingKey:
		return "resolving_key"
	case StateVerifyingDigest:
		return "verifying_digest"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// KeyResolver resolves a signature keyId to its actor.
type KeyResolver interface {
	Resolve(ctx context.Context, uri string) (federation.Actor, error)
}

// Result describes a finished verification. Trace lists every state entered,
// ending in StateAccepted or StateRejected.
type Result struct {
	State     State
	Trace     []State
	Signature *httpsig.Signature
	Actor     federation.Actor
	Body      []byte
}

// Verifier authenticates signed inbound requests.
type Verifier struct {
	resolver KeyResolver
	cfg      AuthConfig
	clock    federation.Clock
	metrics  *federation.Metrics
	logger   *zap.Logger
}

func NewVerifier(resolver KeyResolver, cfg *AuthConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultAuthConfig()
	}

	return &Verifier{
		resolver: resolver,
		cfg:      *cfg,
		clock:    federation.SystemClock(),
		logger:   logger,
	}
}

func (v *Verifier) SetClock(clock federation.Clock) {
	v.clock = clock
}

func (v *Verifier) SetMetrics(m *federation.Metrics) {
	v.metrics = m
}

// Verify runs the verification steps in order. Any failure ends in
// StateRejected and is returned as the error; the body is restored on r
// either way so handlers can read it.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (*Result, error) {
	res := &Result{}
	res.enter(StateReceived)

	err := v.verify(ctx, r, res)
	if err != nil {
		res.enter(StateRejected)
		v.metrics.ObserveVerification(StateRejected.String())
		v.logger.Debug("Rejected inbound request",
			zap.String("path", r.URL.Path),
			zap.String("state", res.Trace[len(res.Trace)-2].String()),
			zap.Error(err))
		return res, err
	}

	res.enter(StateAccepted)
	v.metrics.ObserveVerification(StateAccepted.String())
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, res *Result) error {
	body, err := v.readBody(r)
	if err != nil {
		return err
	}
	res.Body = body

	res.enter(StateParsingSignatureHeader)
	sig, err := parseSignatureHeader(r.Header)
	if err != nil {
		return err
	}
	res.Signature = sig
	if err := v.checkDate(sig, r.Header); err != nil {
		return err
	}

	res.enter(StateResolvingKey)
	actor, err := v.resolver.Resolve(ctx, sig.KeyID)
	if err != nil {
		return fmt.Errorf("failed to resolve key %s: %w", sig.KeyID, err)
	}
	if !ownsKey(actor, sig.KeyID) {
		return fmt.Errorf("%w: key %s does not belong to %s", httpsig.ErrInvalidSignature, sig.KeyID, actor.URI())
	}
	res.Actor = actor

	res.enter(StateVerifyingDigest)
	if digest := r.Header.Get("Digest"); digest != "" {
		if err := httpsig.VerifyDigest(digest, body); err != nil {
			return fmt.Errorf("%w: %w", httpsig.ErrInvalidSignature, err)
		}
	} else if v.cfg.RequireDigest {
		return fmt.Errorf("%w: digest header required", httpsig.ErrInvalidSignature)
	}

	signingString := httpsig.BuildSigningString(sig.Headers, r.Method, r.URL.RequestURI(), signedValues(sig.Headers, r))
	ok, err := httpsig.Verify(actor.PublicKeyPEM(), signingString, sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", httpsig.ErrInvalidSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature does not match key %s", httpsig.ErrInvalidSignature, sig.KeyID)
	}
	return nil
}

func (v *Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := int64(v.cfg.MaxBodyBytes)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %s", httpsig.ErrMalformedSignature, v.cfg.MaxBodyBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// checkDate rejects replays when the Date header is signed.
func (v *Verifier) checkDate(sig *httpsig.Signature, h http.Header) error {
	if v.cfg.MaxClockSkew <= 0 || !covers(sig.Headers, "date") {
		return nil
	}
	date, err := http.ParseTime(h.Get("Date"))
	if err != nil {
		return fmt.Errorf("%w: unparseable date header", ErrStaleRequest)
	}
	skew := v.clock.Now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.MaxClockSkew {
		return fmt.Errorf("%w: %s", ErrStaleRequest, skew.Round(time.Second))
	}
	return nil
}

// parseSignatureHeader reads the Signature header, falling back to
// "Authorization: Signature ...".
func parseSignatureHeader(h http.Header) (*httpsig.Signature, error) {
	value := h.Get("Signature")
	if value == "" {
		if auth := h.Get("Authorization"); len(auth) > len("Signature ") && strings.EqualFold(auth[:len("Signature ")], "Signature ") {
			value = auth[len("Signature "):]
		}
	}
	if value == "" {
		return nil, ErrMissingSignature
	}
	return httpsig.Decode(value)
}

// signedValues collects the request's values for the signed header names.
// net/http moves Host out of the header map.
func signedValues(names []string, r *http.Request) map[string]string {
	values := make(map[string]string, len(names))
	for _, name := range names {
		lower := strings.ToLower(name)
		if lower == httpsig.RequestTarget {
			continue
		}
		if lower == "host" {
			values[name] = r.Host
			continue
		}
		values[name] = strings.Join(r.Header.Values(name), ", ")
	}
	return values
}

// ownsKey reports whether keyID names the actor's key, either as the
// published key id or as a fragment of the actor's own URI.
func ownsKey(actor federation.Actor, keyID string) bool {
	if federation.NormalizeURI(keyID) == actor.URI() {
		return true
	}
	switch a := actor.(type) {
	case *federation.LocalActor:
		return a.KeyID() == keyID
	case *federation.RemoteActor:
		return a.Profile.PublicKey.ID != "" && a.Profile.PublicKey.ID == keyID
	}
	return false
}

func covers(headers []string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// IsMalformed reports whether err was caused by an unparseable request rather
// than a failed authentication.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMissingSignature) || errors.Is(err, httpsig.ErrMalformedSignature)
}
