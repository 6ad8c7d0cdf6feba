package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

// CI webhook authentication headers (spec.md §6: "workspace id,
// ISO-8601 timestamp with Z or +00:00 offset, nonce, hex
// HMAC-SHA256").
const (
	headerWorkspaceID = "X-EdgeGate-Workspace-Id"
	headerTimestamp   = "X-EdgeGate-Timestamp"
	headerNonce       = "X-EdgeGate-Nonce"
	headerSignature   = "X-EdgeGate-Signature"
)

// CIWebhook handles POST /api/v1/ci/runs: it verifies the request
// under pkg/ciauth before delegating to CreateRun's body handling.
// Authentication failures return a single opaque 401, per spec.md §7.
func (h *Handler) CIWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeProblem(w, validation.NewValidationErrorProblem("ci_webhook", map[string]string{"body": "failed to read request body"}))
		return
	}

	req := ciauth.Request{
		WorkspaceID: r.Header.Get(headerWorkspaceID),
		Timestamp:   r.Header.Get(headerTimestamp),
		Nonce:       r.Header.Get(headerNonce),
		Signature:   r.Header.Get(headerSignature),
		Body:        body,
	}

	if err := h.auth.Verify(r.Context(), req); err != nil {
		writeProblem(w, validation.NewUnauthorizedProblem("ci webhook authentication failed"))
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	h.CreateRun(w, r)
}
