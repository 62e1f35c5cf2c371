package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
)

// SMSGateway posts codes to an HTTP SMS gateway as {"to", "message"}.
type SMSGateway struct {
	url        string
	httpClient *http.Client
}

func NewSMSGateway(url string, timeout time.Duration) *SMSGateway {
	return &SMSGateway{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type smsMessage struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *SMSGateway) SendCode(ctx context.Context, phone, code string) error {
	body, err := json.Marshal(smsMessage{To: phone, Message: otpMessage(code)})
	if err != nil {
		return fmt.Errorf("failed to marshal sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &apperr.RemoteError{Service: "sms", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apperr.RemoteError{Service: "sms", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}
	return nil
}

// LogCodeSender writes codes to the log. It is used when no gateway is
// configured, e.g. against the emulators.
type LogCodeSender struct{}

func (LogCodeSender) SendCode(ctx context.Context, phone, code string) error {
	slog.Warn("No SMS gateway configured; OTP written to log.", "phone", phone, "code", code)
	return nil
}

func otpMessage(code string) string {
	return fmt.Sprintf("Your verification code is %s. It expires in a few minutes.", code)
}
