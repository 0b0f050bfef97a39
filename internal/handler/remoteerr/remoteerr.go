// Package remoteerr 将远端客户端的错误映射为 HTTP 响应.
package remoteerr

import (
	"context"
	"errors"
	"net/http"

	"github.com/zhouzirui/tavern-relay/internal/service/remote"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// StatusClientClosedRequest 客户端已断开
const StatusClientClosedRequest = 499

// Respond 将远端客户端错误映射为 HTTP 状态码
func Respond(w http.ResponseWriter, err error) {
	status, kind := Status(err)
	body := map[string]any{"error": err.Error(), "kind": kind}

	var exhausted *remote.ExhaustedError
	if errors.As(err, &exhausted) {
		body["attempts"] = len(exhausted.Attempts)
	}
	utils.RespondJSON(w, status, body)
}

// Status returns the HTTP status and a short kind for err.
func Status(err error) (int, string) {
	switch {
	case remote.IsConfiguration(err):
		return http.StatusServiceUnavailable, "configuration"
	case remote.IsTerminal(err):
		return http.StatusUnprocessableEntity, "terminal"
	case remote.IsExhausted(err):
		return http.StatusBadGateway, "exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
