// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/pkg/errutil"
)

// msgInvalidToken is the single public message for every token lifecycle
// failure.
const msgInvalidToken = "invalid or expired token"

// retryAfterSeconds is advertised on conflict responses.
const retryAfterSeconds = "1"

// errBadRequest marks malformed bodies and failed request validation.
var errBadRequest = errors.New("bad request")

// requestError is a client error raised before the service is called.
type requestError struct {
	message string
	fields  map[string]string
}

func (e *requestError) Error() string { return e.message }

func (e *requestError) Unwrap() error { return errBadRequest }

// invalidBody reports a body that could not be decoded.
func invalidBody(err error) error {
	return &requestError{message: fmt.Sprintf("invalid request body: %v", err)}
}

// invalidRequest converts an ozzo-validation result into a requestError.
func invalidRequest(err error) error {
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return &requestError{message: err.Error()}
	}
	fields := make(map[string]string, len(fieldErrs))
	for name, ferr := range fieldErrs {
		fields[name] = ferr.Error()
	}
	return &requestError{message: "validation failed", fields: fields}
}

// status maps an error kind to its HTTP status and public message. An empty
// message means the error text is safe to return. Token failures are 401
// here; routes consuming a one-time token answer 400 instead, so one status
// covers every token failure of a route.
func status(kind auth.Kind) (int, string) {
	switch kind {
	case auth.KindInvalidEmail, auth.KindWeakPassword:
		return fiber.StatusBadRequest, ""
	case auth.KindDuplicateEmail, auth.KindAccountAlreadyActive:
		return fiber.StatusConflict, ""
	case auth.KindInvalidCredentials:
		return fiber.StatusUnauthorized, ""
	case auth.KindAccountNotActive:
		return fiber.StatusForbidden, ""
	case auth.KindUserNotFound:
		return fiber.StatusNotFound, ""
	case auth.KindTokenNotFound, auth.KindTokenExpired, auth.KindTokenConsumed,
		auth.KindTokenReused, auth.KindTokenRevoked, auth.KindInvalidToken:
		return fiber.StatusUnauthorized, msgInvalidToken
	case auth.KindConflict:
		return fiber.StatusServiceUnavailable, "request conflicted with a concurrent change, retry"
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

// publicMessage returns the sentinel text of err plus the policy reason,
// without the internal wrapping chain.
func publicMessage(kind auth.Kind, err error) string {
	switch kind {
	case auth.KindWeakPassword:
		if oopsErr, ok := oops.AsOops(err); ok {
			if reason, ok := oopsErr.Context()["reason"].(string); ok {
				return fmt.Sprintf("%s: %s", auth.ErrWeakPassword, reason)
			}
		}
		return auth.ErrWeakPassword.Error()
	case auth.KindInvalidEmail:
		return auth.ErrInvalidEmail.Error()
	case auth.KindDuplicateEmail:
		return auth.ErrDuplicateEmail.Error()
	case auth.KindInvalidCredentials:
		return auth.ErrInvalidCredentials.Error()
	case auth.KindAccountNotActive:
		return auth.ErrAccountNotActive.Error()
	case auth.KindAccountAlreadyActive:
		return auth.ErrAccountAlreadyActive.Error()
	case auth.KindUserNotFound:
		return auth.ErrUserNotFound.Error()
	default:
		return err.Error()
	}
}

// errorHandler is the fiber ErrorHandler of the API.
func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:  reqErr.message,
			Fields: reqErr.fields,
		})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{Error: fiberErr.Message})
	}

	kind := auth.KindOf(err)
	code, msg := status(kind)
	if kind.IsTokenFailure() && isOneTimeTokenRoute(c) {
		code = fiber.StatusBadRequest
	}
	if msg == "" {
		msg = publicMessage(kind, err)
	}

	switch {
	case code >= fiber.StatusInternalServerError && kind != auth.KindConflict:
		errutil.LogError(c.UserContext(), h.logger, "request failed", err,
			"method", c.Method(), "path", c.Path())
	case kind == auth.KindConflict:
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
		errutil.LogWarn(c.UserContext(), h.logger, "request conflicted", err,
			"method", c.Method(), "path", c.Path())
	}

	resp := ErrorResponse{Error: msg}
	if kind != auth.KindInternal {
		resp.Kind = string(kind)
	}
	if kind.IsTokenFailure() {
		// Token failures share one public shape.
		resp.Kind = string(auth.KindInvalidToken)
	}
	return c.Status(code).JSON(resp)
}
