package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"testing"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/services"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

const goodToken = "good-token"

type tokenAuth struct {
	sessions map[string]*session.Session
	err      error
}

func newTokenAuth(uid string) *tokenAuth {
	return &tokenAuth{sessions: map[string]*session.Session{
		goodToken: {ID: "jti-1", UID: uid, Provider: session.ProviderPhone, ExpiresAt: time.Now().Add(time.Hour)},
	}}
}

func (a *tokenAuth) Verify(ctx context.Context, token string) (*session.Session, error) {
	if a.err != nil {
		return nil, a.err
	}
	sess, ok := a.sessions[token]
	if !ok {
		return nil, session.ErrInvalidToken
	}
	return sess, nil
}

type stubIngester struct {
	got  services.IngestRequest
	sess *session.Session
	doc  *models.Document
	err  error
}

func (s *stubIngester) Ingest(ctx context.Context, sess *session.Session, req services.IngestRequest) (*models.Document, error) {
	s.got = req
	s.sess = sess
	return s.doc, s.err
}

type stubVault struct {
	docs      []models.Document
	err       error
	limit     int
	deletedID string
}

func (v *stubVault) ListDocuments(ctx context.Context, sess *session.Session) (map[string][]models.Document, error) {
	if v.err != nil {
		return nil, v.err
	}
	return services.GroupByCategory(v.docs), nil
}

func (v *stubVault) RecentDocuments(ctx context.Context, sess *session.Session, limit int) ([]models.Document, error) {
	v.limit = limit
	return v.docs, v.err
}

func (v *stubVault) GetDocument(ctx context.Context, sess *session.Session, id string) (*models.Document, error) {
	if v.err != nil {
		return nil, v.err
	}
	for i := range v.docs {
		if v.docs[i].ID == id && v.docs[i].Owner() == sess.UID {
			return &v.docs[i], nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (v *stubVault) DeleteDocument(ctx context.Context, sess *session.Session, id string) error {
	v.deletedID = id
	return v.err
}

type stubProfiles struct {
	profile *models.UserProfile
}

func (p *stubProfiles) GetProfile(ctx context.Context, sess *session.Session) (*models.UserProfile, error) {
	if p.profile == nil {
		return &models.UserProfile{UID: sess.UID}, nil
	}
	return p.profile, nil
}

type stubFlows struct {
	otp       *models.OTPRequestResponse
	result    *services.AuthResult
	err       error
	phone     string
	code      string
	icNumber  string
	icImage   []byte
	selfie    []byte
	loggedOut *session.Session
}

func (f *stubFlows) RequestOTP(ctx context.Context, phone string) (*models.OTPRequestResponse, error) {
	f.phone = phone
	return f.otp, f.err
}

func (f *stubFlows) VerifyOTP(ctx context.Context, verificationID, code string) (*services.AuthResult, error) {
	f.code = code
	return f.result, f.err
}

func (f *stubFlows) VerifyFace(ctx context.Context, icNumber string, icImage, selfie []byte) (*services.AuthResult, error) {
	f.icNumber, f.icImage, f.selfie = icNumber, icImage, selfie
	return f.result, f.err
}

func (f *stubFlows) Logout(ctx context.Context, sess *session.Session) error {
	f.loggedOut = sess
	return f.err
}

// multipartBody builds a form with the given fields and files.
func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".jpg")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}
