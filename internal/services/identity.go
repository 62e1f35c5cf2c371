package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/metrics"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

const otpDigits = 6

// Outcome is the result of a verification attempt. A rejection is an
// expected answer, not an error.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeRejected Outcome = "rejected"
)

// AuthResult is returned by both verification paths. Token, Session and
// Profile are set only when Outcome is OutcomeVerified.
type AuthResult struct {
	Outcome Outcome
	Token   string
	Session *session.Session
	Profile *models.UserProfile
	Reason  string
}

func (r *AuthResult) Verified() bool {
	return r != nil && r.Outcome == OutcomeVerified
}

func rejected(reason string) *AuthResult {
	return &AuthResult{Outcome: OutcomeRejected, Reason: reason}
}

type IdentityConfig struct {
	OTPTTL             time.Duration
	OTPMaxAttempts     int
	PhoneCountryPrefix string
	StepTimeout        time.Duration
}

// IdentityService verifies users by phone code or by face-match against their
// IC, and creates their profile on first success.
type IdentityService struct {
	profiles   ProfileRepository
	challenges ChallengeStore
	sender     CodeSender
	verifier   IdentityVerifier
	sessions   SessionIssuer
	config     IdentityConfig
	now        func() time.Time
}

func NewIdentityService(profiles ProfileRepository, challenges ChallengeStore, sender CodeSender, verifier IdentityVerifier, sessions SessionIssuer, config IdentityConfig) *IdentityService {
	if config.OTPTTL <= 0 {
		config.OTPTTL = 5 * time.Minute
	}
	if config.OTPMaxAttempts <= 0 {
		config.OTPMaxAttempts = 5
	}
	if config.PhoneCountryPrefix == "" {
		config.PhoneCountryPrefix = "+6"
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = 45 * time.Second
	}
	return &IdentityService{
		profiles:   profiles,
		challenges: challenges,
		sender:     sender,
		verifier:   verifier,
		sessions:   sessions,
		config:     config,
		now:        time.Now,
	}
}

// PhoneUID is the stable identity of a verified phone number.
func PhoneUID(phone string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tel:"+phone)).String()
}

// RequestOTP sends a one-time code to phone and returns the id the caller
// must present with it.
func (s *IdentityService) RequestOTP(ctx context.Context, rawPhone string) (*models.OTPRequestResponse, error) {
	phone, err := NormalizePhone(rawPhone, s.config.PhoneCountryPrefix)
	if err != nil {
		return nil, err
	}
	logCtx := slog.With("phone", maskPhone(phone))

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	ch := &models.OTPChallenge{
		VerificationID: uuid.NewString(),
		Phone:          phone,
		ExpiresAt:      s.now().Add(s.config.OTPTTL).UTC(),
	}
	ch.CodeHash = hashCode(ch.VerificationID, code)

	if err := s.challenges.SaveChallenge(ctx, ch); err != nil {
		logCtx.Error("Failed to store OTP challenge", "error", err)
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
	defer cancel()
	if err := s.sender.SendCode(sendCtx, phone, code); err != nil {
		logCtx.Error("Failed to deliver OTP", "error", err)
		metrics.AuthAttempts.WithLabelValues("otp_request", "failure").Inc()
		if delErr := s.challenges.DeleteChallenge(ctx, ch.VerificationID); delErr != nil {
			logCtx.Warn("Failed to discard undelivered challenge", "error", delErr)
		}
		return nil, err
	}

	metrics.AuthAttempts.WithLabelValues("otp_request", "success").Inc()
	logCtx.Info("OTP sent.", "verificationId", ch.VerificationID)
	return &models.OTPRequestResponse{VerificationID: ch.VerificationID, ExpiresAt: ch.ExpiresAt}, nil
}

// VerifyOTP checks code against the challenge. A wrong, expired or unknown
// code is a rejection; the challenge is dropped after too many wrong guesses.
func (s *IdentityService) VerifyOTP(ctx context.Context, verificationID, code string) (*AuthResult, error) {
	if strings.TrimSpace(verificationID) == "" {
		return nil, apperr.Invalid("verificationId", "must not be empty")
	}
	if err := ValidateOTPCode(code); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	logCtx := slog.With("verificationId", verificationID)

	ch, err := s.challenges.GetChallenge(ctx, verificationID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.recordAuth("otp", OutcomeRejected)
		return rejected("verification code expired or unknown"), nil
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(ch.ExpiresAt) {
		_ = s.challenges.DeleteChallenge(ctx, verificationID)
		s.recordAuth("otp", OutcomeRejected)
		return rejected("verification code expired or unknown"), nil
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(verificationID, code)), []byte(ch.CodeHash)) != 1 {
		attempts, err := s.challenges.IncrementAttempts(ctx, verificationID, time.Until(ch.ExpiresAt))
		if err != nil {
			return nil, err
		}
		logCtx.Warn("Incorrect OTP.", "attempts", attempts)
		if attempts >= int64(s.config.OTPMaxAttempts) {
			if err := s.challenges.DeleteChallenge(ctx, verificationID); err != nil {
				logCtx.Error("Failed to drop exhausted challenge", "error", err)
			}
			s.recordAuth("otp", OutcomeRejected)
			return rejected("too many incorrect attempts; request a new code"), nil
		}
		s.recordAuth("otp", OutcomeRejected)
		return rejected("incorrect verification code"), nil
	}

	if err := s.challenges.DeleteChallenge(ctx, verificationID); err != nil {
		return nil, err
	}

	uid := PhoneUID(ch.Phone)
	profile := &models.UserProfile{
		UID:         uid,
		FullName:    models.DefaultFullName,
		PhoneNumber: ch.Phone,
	}
	result, err := s.establish(ctx, profile, session.ProviderPhone)
	if err != nil {
		return nil, err
	}
	s.recordAuth("otp", OutcomeVerified)
	logCtx.Info("Phone verified.", "uid", uid)
	return result, nil
}

// VerifyFace sends the IC number, IC photo and selfie to the identity service.
// On a match a new identity is created with a profile and a session; on a
// non-match nothing is written.
func (s *IdentityService) VerifyFace(ctx context.Context, rawIC string, icImage, selfie []byte) (*AuthResult, error) {
	ic, err := NormalizeICNumber(rawIC)
	if err != nil {
		return nil, err
	}
	if len(icImage) == 0 {
		return nil, apperr.Invalid("ic_image", "must not be empty")
	}
	if len(selfie) == 0 {
		return nil, apperr.Invalid("selfie", "must not be empty")
	}
	for field, img := range map[string][]byte{"ic_image": icImage, "selfie": selfie} {
		if len(img) > MaxUploadBytes {
			return nil, apperr.Invalid(field, "exceeds %d bytes", MaxUploadBytes)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
	defer cancel()
	res, err := s.verifier.VerifyIdentity(callCtx, ic, icImage, selfie)
	if err != nil {
		slog.Error("Identity verification call failed", "error", err)
		metrics.AuthAttempts.WithLabelValues("ekyc", "failure").Inc()
		return nil, err
	}
	if !res.Match {
		slog.Info("Face-match rejected.", "reason", res.Reason)
		s.recordAuth("ekyc", OutcomeRejected)
		reason := res.Reason
		if reason == "" {
			reason = "face does not match the identity card"
		}
		return rejected(reason), nil
	}

	name := strings.TrimSpace(res.Name)
	if name == "" {
		name = models.DefaultFullName
	}
	profile := &models.UserProfile{
		UID:      uuid.NewString(),
		FullName: name,
		ICNumber: ic,
	}
	result, err := s.establish(ctx, profile, session.ProviderEKYC)
	if err != nil {
		return nil, err
	}
	s.recordAuth("ekyc", OutcomeVerified)
	slog.Info("Face-match verified.", "uid", profile.UID)
	return result, nil
}

// Logout revokes sess.
func (s *IdentityService) Logout(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return apperr.ErrUnauthenticated
	}
	if err := s.sessions.Revoke(ctx, sess); err != nil {
		return err
	}
	slog.Info("Session revoked.", "uid", sess.UID, "sessionId", sess.ID)
	return nil
}

// GetProfile returns the caller's profile. A missing profile yields an empty
// one whose DisplayName is "User".
func (s *IdentityService) GetProfile(ctx context.Context, sess *session.Session) (*models.UserProfile, error) {
	if sess == nil || sess.UID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	profile, err := s.profiles.Get(ctx, sess.UID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.UserProfile{UID: sess.UID}, nil
	}
	if err != nil {
		return nil, err
	}
	profile.UID = sess.UID
	return profile, nil
}

// EnsureProfile writes users/{uid} unless it exists. It reports whether the
// profile was created.
func (s *IdentityService) EnsureProfile(ctx context.Context, profile *models.UserProfile) (bool, error) {
	if profile == nil || profile.UID == "" {
		return false, apperr.Invalid("uid", "must not be empty")
	}
	created, err := s.profiles.Ensure(ctx, profile)
	if err != nil {
		return false, err
	}
	if created {
		slog.Info("Created user profile.", "uid", profile.UID)
	}
	return created, nil
}

// establish writes the profile before issuing the session so a verified user
// always has both.
func (s *IdentityService) establish(ctx context.Context, profile *models.UserProfile, provider session.Provider) (*AuthResult, error) {
	if _, err := s.EnsureProfile(ctx, profile); err != nil {
		return nil, err
	}
	token, sess, err := s.sessions.Issue(profile.UID, provider)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		Outcome: OutcomeVerified,
		Token:   token,
		Session: sess,
		Profile: profile,
	}, nil
}

func (s *IdentityService) recordAuth(method string, outcome Outcome) {
	metrics.AuthAttempts.WithLabelValues(method, string(outcome)).Inc()
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(verificationID, code string) string {
	sum := sha256.Sum256([]byte(verificationID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
