// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
	"github.com/aibridge/aibridge/internal/codexauth"
	"github.com/aibridge/aibridge/internal/translator"
	"github.com/aibridge/aibridge/internal/transport"
)

// errorResponseFor maps any error raised while serving a request to the
// HTTP status and Anthropic error envelope to return for it. Upstream
// errors keep their status and their own error type; the upstream error
// object rides along verbatim under "openai".
func errorResponseFor(err error) (int, anthropic.ErrorResponse) {
	var invalidErr *translator.InvalidRequestError
	if errors.As(err, &invalidErr) {
		return http.StatusBadRequest, newErrorResponse(anthropic.ErrorTypeInvalidRequest, invalidErr.Message)
	}
	var missingErr *codexauth.MissingCredentialsError
	if errors.As(err, &missingErr) {
		return http.StatusUnauthorized, newErrorResponse(anthropic.ErrorTypeAuthentication, missingErr.Error())
	}
	var refreshErr *codexauth.RefreshError
	if errors.As(err, &refreshErr) {
		return http.StatusBadGateway, newErrorResponse(anthropic.ErrorTypeAPI, refreshErr.Error())
	}
	var upstreamErr *transport.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.StatusCode, upstreamErrorResponse(upstreamErr)
	}
	return http.StatusInternalServerError, newErrorResponse(anthropic.ErrorTypeAPI, err.Error())
}

func newErrorResponse(errorType, message string) anthropic.ErrorResponse {
	return anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetails{Type: errorType, Message: message},
	}
}

func upstreamErrorResponse(err *transport.UpstreamError) anthropic.ErrorResponse {
	details := anthropic.ErrorDetails{
		Type:    anthropic.ErrorTypeForStatus(err.StatusCode),
		Message: string(err.Body),
	}
	if upstream := gjson.GetBytes(err.Body, "error"); upstream.IsObject() {
		if t := upstream.Get("type"); t.Type == gjson.String && t.String() != "" {
			details.Type = t.String()
		}
		if msg := upstream.Get("message"); msg.Type == gjson.String {
			details.Message = msg.String()
		}
		if param := upstream.Get("param"); param.Type == gjson.String {
			v := param.String()
			details.Param = &v
		}
		if code := upstream.Get("code"); code.Type == gjson.String {
			v := code.String()
			details.Code = &v
		}
		details.OpenAI = json.RawMessage(upstream.Raw)
	}
	return anthropic.ErrorResponse{Type: "error", Error: details}
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	status, envelope := errorResponseFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
