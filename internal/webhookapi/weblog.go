package webhookapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/webhookauth"
)

const redacted = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	strings.ToLower(webhookauth.HeaderAPIKey):    true,
	strings.ToLower(webhookauth.HeaderSignature): true,
	"authorization": true,
	"cookie":        true,
}

// logWebhooks writes one audit log entry per webhook request, including
// requests the authenticator rejects. A body that cannot be read in full is
// answered here and never reaches the authenticator. Persistence failures
// are logged and never change the response.
func (a *API) logWebhooks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now()
		body, readErr := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		var resp bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&resp)
		if readErr != nil {
			// partial bodies are not stored
			body = nil
			apierr.Write(ww, bodyReadError(readErr))
		} else {
			next.ServeHTTP(ww, r)
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := &store.WebhookLog{
			ID:               uuid.NewString(),
			Endpoint:         r.URL.Path,
			Method:           r.Method,
			Payload:          jsonPayload(body),
			Headers:          redactHeaders(r.Header),
			ResponseStatus:   status,
			ResponseBody:     store.Truncate(resp.String(), store.MaxResponseChars),
			ProcessingTimeMS: a.elapsedMS(start),
			IPAddress:        webhookauth.ClientIP(r),
			CreatedAt:        start.UTC(),
		}
		if status >= http.StatusBadRequest {
			entry.Error = gjson.GetBytes(resp.Bytes(), "message").String()
			if entry.Error == "" {
				entry.Error = http.StatusText(status)
			}
		}

		ctx := context.WithoutCancel(r.Context())
		if err := a.store.SaveWebhookLog(ctx, entry); err != nil {
			a.logger.Error(ctx, err, "failed to save webhook log", "endpoint", entry.Endpoint)
		}
	})
}

func bodyReadError(err error) error {
	var mb *http.MaxBytesError
	if errors.As(err, &mb) {
		return fmt.Errorf("request body: %w", err)
	}
	return apierr.Invalid("body", "unreadable request body: %v", err)
}

// jsonPayload returns body when it is valid JSON and otherwise wraps it as a
// JSON string.
func jsonPayload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
