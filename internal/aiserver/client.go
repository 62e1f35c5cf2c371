package aiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client talks to the external AI server that hosts the /classify and /ekyc
// endpoints.
type Client struct {
	classifyURL string
	ekycURL     string
	httpClient  *http.Client
}

// NewClient builds a client for the given base URLs. The same server usually
// serves both endpoints.
func NewClient(classifierBaseURL, ekycBaseURL string, timeout time.Duration) *Client {
	return &Client{
		classifyURL: strings.TrimRight(classifierBaseURL, "/") + "/classify",
		ekycURL:     strings.TrimRight(ekycBaseURL, "/") + "/ekyc",
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// filePart is one file field of a multipart body.
type filePart struct {
	field       string
	fileName    string
	contentType string
	data        []byte
}

// Classify posts the image as multipart field "file". The server decodes the
// bytes itself and expects every part labelled image/jpeg; anything that is
// not an image is refused before the call.
func (c *Client) Classify(ctx context.Context, fileName, contentType string, data []byte) (*models.ClassificationResult, error) {
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, apperr.Invalid("file", "classifier only reads images, got %s", contentType)
	}
	body, formType, err := buildMultipart(nil, []filePart{
		{field: "file", fileName: fileName, contentType: "image/jpeg", data: data},
	})
	if err != nil {
		return nil, err
	}

	var res models.ClassificationResult
	if err := c.post(ctx, "classifier", c.classifyURL, formType, body, &res); err != nil {
		return nil, err
	}
	res.Label = strings.TrimSpace(res.Label)
	return &res, nil
}

// VerifyIdentity posts the typed IC number, the IC photo and the selfie.
func (c *Client) VerifyIdentity(ctx context.Context, icNumber string, icImage, selfie []byte) (*models.VerificationResult, error) {
	body, formType, err := buildMultipart(
		map[string]string{"ic_number": icNumber},
		[]filePart{
			{field: "ic_image", fileName: "ic.jpg", contentType: "image/jpeg", data: icImage},
			{field: "selfie", fileName: "selfie.jpg", contentType: "image/jpeg", data: selfie},
		},
	)
	if err != nil {
		return nil, err
	}

	var res ekycResponse
	if err := c.post(ctx, "ekyc", c.ekycURL, formType, body, &res); err != nil {
		return nil, err
	}
	if res.Match == nil {
		return nil, &apperr.RemoteError{Service: "ekyc", Err: fmt.Errorf("malformed response: no match field")}
	}
	return &models.VerificationResult{
		Match:  *res.Match,
		Name:   strings.TrimSpace(res.Name),
		Reason: res.Reason,
	}, nil
}

// ekycResponse tells a missing match apart from a negative one.
type ekycResponse struct {
	Match  *bool  `json:"match"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (c *Client) post(ctx context.Context, service, url, contentType string, body *bytes.Buffer, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.RemoteError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &apperr.RemoteError{Service: service, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.RemoteError{Service: service, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(raw), 200))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperr.RemoteError{Service: service, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

func buildMultipart(fields map[string]string, files []filePart) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", name, err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.fileName))
		h.Set("Content-Type", f.contentType)
		fw, err := writer.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %s: %w", f.field, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", fmt.Errorf("failed to copy %s content: %w", f.field, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
