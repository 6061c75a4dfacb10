package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/horizon/horizon/internal/mailer"
	"github.com/horizon/horizon/internal/middleware"
	"github.com/horizon/horizon/internal/models"
	"github.com/horizon/horizon/internal/service"
	"github.com/sirupsen/logrus"
)

var validate = newValidator()

// newValidator adds pwbytes, which bounds a password by bcrypt's byte limit
// rather than by rune count.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= service.MaxPasswordBytes
	}); err != nil {
		panic(err)
	}
	return v
}

const msgPasswordTooLong = "Password must be at most 72 bytes"

type AuthHandlers struct {
	registration *service.RegistrationService
	sessions     *service.SessionService
	otpLength    int
	logger       *logrus.Logger
}

func NewAuthHandlers(
	registration *service.RegistrationService,
	sessions *service.SessionService,
	otpLength int,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		registration: registration,
		sessions:     sessions,
		otpLength:    otpLength,
		logger:       logger,
	}
}

// Routes mounts the auth endpoints on router. Logout and me require a bearer
// access token.
func (h *AuthHandlers) Routes(router *mux.Router, auth *middleware.AuthMiddleware) {
	router.HandleFunc("/register", h.Register).Methods("POST")
	router.HandleFunc("/verify-otp", h.VerifyOTP).Methods("POST")
	router.HandleFunc("/resend-otp", h.ResendOTP).Methods("POST")
	router.HandleFunc("/refresh", h.RefreshToken).Methods("POST")

	protected := router.NewRoute().Subrouter()
	protected.Use(auth.RequireAuth)
	protected.HandleFunc("/logout", h.Logout).Methods("POST")
	protected.HandleFunc("/me", h.Me).Methods("GET")
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,pwbytes"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,number"`
}

type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type VerifyOTPResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	Token        string       `json:"token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         UserResponse `json:"user"`
}

type RefreshTokenResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type UserResponse struct {
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

type MeResponse struct {
	Success bool         `json:"success"`
	User    UserResponse `json:"user"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", validationMessage(err))
		return
	}

	err := h.registration.Register(r.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.handleServiceError(w, err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, MessageResponse{
		Success: true,
		Message: "Registration successful! OTP sent to your email.",
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.OTP = strings.TrimSpace(req.OTP)

	if err := validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", validationMessage(err))
		return
	}
	if len(req.OTP) != h.otpLength {
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED",
			fmt.Sprintf("OTP must be %d digits", h.otpLength))
		return
	}

	result, err := h.registration.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		h.handleServiceError(w, err, "OTP verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Success:      true,
		Message:      "Email verified successfully",
		Token:        result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		TokenType:    result.Tokens.TokenType,
		ExpiresIn:    result.Tokens.ExpiresIn,
		User:         toUserResponse(result.User),
	})
}

func (h *AuthHandlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)

	if err := validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", validationMessage(err))
		return
	}

	if err := h.registration.ResendOTP(r.Context(), req.Email); err != nil {
		h.handleServiceError(w, err, "Failed to resend OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{
		Success: true,
		Message: "OTP resent to your email",
	})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.handleServiceError(w, err, "Failed to refresh token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, RefreshTokenResponse{
		Success:      true,
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	// Body is optional
	var req LogoutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.WithError(err).Debug("Ignoring malformed logout body")
		}
	}

	if err := h.sessions.Logout(r.Context(), claims, req.RefreshToken); err != nil {
		h.logger.WithError(err).WithField("email", claims.Email).Error("Failed to revoke refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{
		Success: true,
		Message: "Logged out successfully",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	user, err := h.registration.Profile(r.Context(), claims.Email)
	if err != nil {
		h.handleServiceError(w, err, "Failed to load profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MeResponse{
		Success: true,
		User:    toUserResponse(user),
	})
}

func (h *AuthHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WithError(err).Debug("Failed to decode request body")
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

// handleServiceError maps service errors to HTTP responses. Unknown errors
// are logged and reported as 500 with a generic message.
func (h *AuthHandlers) handleServiceError(w http.ResponseWriter, err error, action string) {
	var cooldown *service.CooldownError

	switch {
	case errors.Is(err, service.ErrUserExists):
		h.respondWithError(w, http.StatusConflict, "USER_EXISTS", "An account with this email already exists")
	case errors.Is(err, service.ErrUsernameTaken):
		h.respondWithError(w, http.StatusConflict, "USERNAME_TAKEN", "Username is already taken")
	case errors.Is(err, service.ErrPasswordTooLong):
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", msgPasswordTooLong)
	case errors.Is(err, service.ErrAlreadyVerified):
		h.respondWithError(w, http.StatusConflict, "ALREADY_VERIFIED", "Email is already verified")
	case errors.Is(err, service.ErrUserNotFound):
		h.respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, service.ErrOTPNotFound):
		h.respondWithError(w, http.StatusBadRequest, "OTP_NOT_FOUND", "No active OTP. Please request a new one")
	case errors.Is(err, service.ErrOTPExpired):
		h.respondWithError(w, http.StatusBadRequest, "OTP_EXPIRED", "OTP has expired. Please request a new one")
	case errors.Is(err, service.ErrInvalidOTP):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_OTP", "Invalid OTP")
	case errors.Is(err, service.ErrTooManyAttempts):
		h.respondWithError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many failed attempts. Please request a new OTP")
	case errors.As(err, &cooldown):
		secs := int(math.Ceil(cooldown.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.respondWithError(w, http.StatusTooManyRequests, "RESEND_TOO_SOON",
			fmt.Sprintf("Please wait %d seconds before requesting a new OTP", secs))
	case errors.Is(err, service.ErrTokenRevoked):
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "Refresh token has been revoked")
	case errors.Is(err, service.ErrInvalidToken):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
	case errors.Is(err, mailer.ErrDelivery):
		h.logger.WithError(err).Error("Failed to send verification email")
		h.respondWithError(w, http.StatusInternalServerError, "EMAIL_DELIVERY_FAILED", "Failed to send verification email")
	default:
		h.logger.WithError(err).Error(action)
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", action+". Please try again.")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}

	fe := verrs[0]
	switch {
	case fe.Tag() == "required":
		return "Please enter all fields"
	case fe.Field() == "Email":
		return "Please enter a valid email address"
	case fe.Field() == "Password" && fe.Tag() == "min":
		return "Password must be at least 6 characters"
	case fe.Field() == "Password" && fe.Tag() == "pwbytes":
		return msgPasswordTooLong
	case fe.Field() == "Username":
		return "Username must be between 3 and 32 characters"
	case fe.Field() == "OTP":
		return "OTP must contain only digits"
	}
	return fmt.Sprintf("Invalid %s", strings.ToLower(fe.Field()))
}

func toUserResponse(u *models.User) UserResponse {
	return UserResponse{
		Username:   u.Username,
		Email:      u.Email,
		Verified:   u.Verified,
		VerifiedAt: u.VerifiedAt,
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Success: false,
		Code:    code,
		Message: message,
	})
}
