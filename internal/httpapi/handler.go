// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi binds the credential lifecycle operations to HTTP/JSON
// routes under /api/v1/auth.
package httpapi

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/holomush/accounts/internal/auth"
)

// BasePath prefixes every route.
const BasePath = "/api/v1/auth"

// principalKey is the fiber Locals key of the authenticated caller.
const principalKey = "principal"

// oneTimeTokenKey marks routes that consume an activation or reset token.
const oneTimeTokenKey = "one_time_token"

// Service is the set of operations the API exposes.
type Service interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
	Activate(ctx context.Context, token string) error
	ResendActivation(ctx context.Context, email string) error
	Login(ctx context.Context, email, password string) (*auth.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Authenticate(ctx context.Context, accessToken string) (*auth.Principal, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) (*auth.TokenPair, error)
}

var _ Service = (*auth.Service)(nil)

// RequestObserver records one served request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for failed requests.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRequestObserver records request latency and status.
func WithRequestObserver(obs RequestObserver) Option {
	return func(h *Handler) {
		h.observer = obs
	}
}

// WithTimeouts sets the fiber read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(h *Handler) {
		h.readTimeout = read
		h.writeTimeout = write
	}
}

// Handler serves the auth routes.
type Handler struct {
	svc          Service
	logger       *slog.Logger
	observer     RequestObserver
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewHandler creates a Handler for svc.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// App builds the fiber application with every route registered.
func (h *Handler) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "accounts",
		DisableStartupMessage: true,
		ErrorHandler:          h.errorHandler,
		ReadTimeout:           h.readTimeout,
		WriteTimeout:          h.writeTimeout,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	if h.observer != nil {
		app.Use(h.observe)
	}
	h.Register(app)
	return app
}

// Register adds the auth routes to router.
func (h *Handler) Register(router fiber.Router) {
	g := router.Group(BasePath)
	g.Post("/register", h.register)
	g.Get("/activate", oneTimeToken, h.activate)
	g.Post("/resend-activation", h.resendActivation)
	g.Post("/login", h.login)
	g.Post("/refresh", h.refresh)
	g.Post("/forgot-password", h.forgotPassword)
	g.Post("/reset-password", oneTimeToken, h.resetPassword)

	g.Post("/logout", h.bearer, h.logout)
	g.Post("/change-password", h.bearer, h.changePassword)
	g.Get("/me", h.bearer, h.authenticate, h.me)
}

// observe records the matched route, not the raw path, to bound label
// cardinality. Errors are rendered here so the recorded status is final.
func (h *Handler) observe(c *fiber.Ctx) error {
	start := time.Now()
	if err := c.Next(); err != nil {
		if herr := h.errorHandler(c, err); herr != nil {
			return herr
		}
	}
	h.observer.ObserveRequest(c.Method(), c.Route().Path, c.Response().StatusCode(), time.Since(start))
	return nil
}

// bearer extracts the access token from the Authorization header.
func (h *Handler) bearer(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error: msgInvalidToken,
			Kind:  string(auth.KindInvalidToken),
		})
	}
	c.Locals(fiber.HeaderAuthorization, strings.TrimSpace(token))
	return c.Next()
}

// oneTimeToken marks the route so token failures answer 400.
func oneTimeToken(c *fiber.Ctx) error {
	c.Locals(oneTimeTokenKey, true)
	return c.Next()
}

func isOneTimeTokenRoute(c *fiber.Ctx) bool {
	marked, _ := c.Locals(oneTimeTokenKey).(bool)
	return marked
}

func accessToken(c *fiber.Ctx) string {
	token, _ := c.Locals(fiber.HeaderAuthorization).(string)
	return token
}

// authenticate resolves the bearer token into a Principal.
func (h *Handler) authenticate(c *fiber.Ctx) error {
	principal, err := h.svc.Authenticate(c.UserContext(), accessToken(c))
	if err != nil {
		return err
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

// validator is implemented by every request DTO.
type validator interface {
	Validate() error
}

// bind decodes and validates the JSON body into req.
func bind[T validator](c *fiber.Ctx, req *T) error {
	if err := c.BodyParser(req); err != nil {
		return invalidBody(err)
	}
	if err := (*req).Validate(); err != nil {
		return invalidRequest(err)
	}
	return nil
}

func (h *Handler) register(c *fiber.Ctx) error {
	var req CredentialsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	user, err := h.svc.Register(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newUserResponse(user))
}

func (h *Handler) activate(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return &requestError{message: "validation failed", fields: map[string]string{"token": "cannot be blank"}}
	}
	if err := h.svc.Activate(c.UserContext(), token); err != nil {
		return err
	}
	return c.JSON(StatusResponse{Status: "active", Message: "account activated"})
}

func (h *Handler) resendActivation(c *fiber.Ctx) error {
	var req EmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ResendActivation(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(StatusResponse{
		Status:  "accepted",
		Message: "if the account exists and is pending, an activation email has been sent",
	})
}

func (h *Handler) login(c *fiber.Ctx) error {
	var req CredentialsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.svc.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(newTokenResponse(pair))
}

func (h *Handler) refresh(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.svc.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(newTokenResponse(pair))
}

// logout accepts an optional refresh token body.
func (h *Handler) logout(c *fiber.Ctx) error {
	var req RefreshRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(err)
		}
	}
	if err := h.svc.Logout(c.UserContext(), accessToken(c), req.RefreshToken); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) forgotPassword(c *fiber.Ctx) error {
	var req EmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ForgotPassword(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(StatusResponse{
		Status:  "accepted",
		Message: "if the account exists, a password reset email has been sent",
	})
}

func (h *Handler) resetPassword(c *fiber.Ctx) error {
	var req ResetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ResetPassword(c.UserContext(), req.Token, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(StatusResponse{Status: "ok", Message: "password has been reset"})
}

// changePassword returns a fresh token pair when the service keeps the
// caller's session, and 204 otherwise.
func (h *Handler) changePassword(c *fiber.Ctx) error {
	var req ChangePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.svc.ChangePassword(c.UserContext(), accessToken(c), req.OldPassword, req.NewPassword)
	if err != nil {
		return err
	}
	if pair == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(newTokenResponse(pair))
}

func (h *Handler) me(c *fiber.Ctx) error {
	principal, ok := c.Locals(principalKey).(*auth.Principal)
	if !ok {
		return fiber.ErrUnauthorized
	}
	return c.JSON(newUserResponse(principal.User))
}
