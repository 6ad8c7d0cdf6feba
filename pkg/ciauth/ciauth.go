// Package ciauth implements the CI-webhook authenticator (spec.md
// §4.D): HMAC-SHA256 over a canonical message, a timestamp window
// accepting up to 300s in the past and 30s in the future, and
// single-use nonce enforcement via noncestore.
package ciauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/noncestore"
)

// ErrUnauthorized is the single opaque error returned to callers for
// every authentication failure; the specific cause is logged, never
// surfaced.
var ErrUnauthorized = errors.New("ciauth: authentication failed")

const (
	nonceTTL        = 5 * time.Minute
	maxClockSkewPast   = 30 * time.Second
	maxClockSkewFuture = 300 * time.Second
)

// SecretResolver resolves the CI HMAC secret for a workspace. A
// present, non-nil secret is the wrapped-token path; ok=false signals
// the caller should use the deterministic fallback.
type SecretResolver interface {
	ResolveSecret(workspaceID string) (secret []byte, ok bool, err error)
}

// Request carries the four CI-auth headers and the raw request body,
// hashed exactly as delivered.
type Request struct {
	WorkspaceID string
	Timestamp   string
	Nonce       string
	Signature   string // hex HMAC-SHA256
	Body        []byte
}

// Authenticator verifies CI webhook requests.
type Authenticator struct {
	kms       kms.KeyManagementService
	secrets   SecretResolver
	nonces    *noncestore.Store
	masterKey []byte
	logger    *zap.Logger
	now       func() time.Time
}

// New builds an Authenticator. masterKey is used for the
// deterministic HMAC(master-key, workspace-id) fallback when a
// workspace has no stored CI secret.
func New(km kms.KeyManagementService, secrets SecretResolver, nonces *noncestore.Store, masterKey []byte, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		kms:       km,
		secrets:   secrets,
		nonces:    nonces,
		masterKey: masterKey,
		logger:    logger,
		now:       time.Now,
	}
}

// canonicalMessage builds timestamp-bytes || 0x0A || nonce-bytes ||
// 0x0A || body-bytes, exactly as delivered — never reformatted.
func canonicalMessage(timestamp, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(nonce)+1+len(body))
	msg = append(msg, []byte(timestamp)...)
	msg = append(msg, 0x0A)
	msg = append(msg, []byte(nonce)...)
	msg = append(msg, 0x0A)
	msg = append(msg, body...)
	return msg
}

// Verify checks all acceptance rules and returns ErrUnauthorized on
// any failure, logging the specific reason.
func (a *Authenticator) Verify(ctx context.Context, req Request) error {
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		a.reject("invalid timestamp format", req.WorkspaceID, err)
		return ErrUnauthorized
	}

	now := a.now()
	skew := now.Sub(ts)
	if skew > maxClockSkewFuture || skew < -maxClockSkewPast {
		a.reject("timestamp outside acceptance window", req.WorkspaceID, nil)
		return ErrUnauthorized
	}

	secret, err := a.resolveSecret(req.WorkspaceID)
	if err != nil {
		a.reject("failed to resolve CI secret", req.WorkspaceID, err)
		return ErrUnauthorized
	}

	message := canonicalMessage(req.Timestamp, req.Nonce, req.Body)
	expected := computeHMAC(secret, message)
	if !constantTimeHexEqual(expected, req.Signature) {
		a.reject("signature mismatch", req.WorkspaceID, nil)
		return ErrUnauthorized
	}

	if err := a.nonces.Accept(ctx, req.WorkspaceID, req.Nonce, nonceTTL); err != nil {
		a.reject("nonce replay", req.WorkspaceID, err)
		return ErrUnauthorized
	}

	return nil
}

func (a *Authenticator) resolveSecret(workspaceID string) ([]byte, error) {
	if a.secrets != nil {
		wrapped, ok, err := a.secrets.ResolveSecret(workspaceID)
		if err != nil {
			return nil, err
		}
		if ok {
			return a.kms.EnvelopeDecrypt(wrapped)
		}
	}
	// Deterministic fallback: documented compatibility path, not a
	// security boundary (spec.md §4.D).
	return computeHMACBytes(a.masterKey, []byte(workspaceID)), nil
}

func (a *Authenticator) reject(reason, workspaceID string, cause error) {
	if a.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("component", "ciauth"),
		zap.String("workspace_id", workspaceID),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	a.logger.Warn("ci authentication rejected", fields...)
}

// computeHMAC returns the lowercase hex HMAC-SHA256 of message under
// secret.
func computeHMAC(secret, message []byte) string {
	return hex.EncodeToString(computeHMACBytes(secret, message))
}

func computeHMACBytes(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether the hex-encoded signature is a valid
// HMAC-SHA256 of message under secret, using constant-time compare.
func VerifyHMAC(secret, message []byte, signature string) bool {
	return constantTimeHexEqual(computeHMAC(secret, message), signature)
}

func constantTimeHexEqual(expectedHex, actualHex string) bool {
	expected, err1 := hex.DecodeString(expectedHex)
	actual, err2 := hex.DecodeString(actualHex)
	if err1 != nil || err2 != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual) == 1
}

// ComputeHMAC is the exported form of computeHMAC, used by callers
// constructing CI requests (tests, CLI tooling).
func ComputeHMAC(secret, message []byte) string {
	return computeHMAC(secret, message)
}
