package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
)

// MaxUploadBytes is the largest file the vault accepts.
const MaxUploadBytes = 10 << 20

const contentTypePDF = "application/pdf"

// extension -> sniffed content type
var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  contentTypePDF,
}

// Upload is a validated file ready for ingestion.
type Upload struct {
	FileName    string
	ContentType string
	Hash        string
	PageCount   int
	Content     []byte
}

// ValidateUpload checks a file before any remote call is made.
func ValidateUpload(fileName string, content []byte) (*Upload, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, apperr.Invalid("file_name", "must not be empty")
	}
	if strings.ContainsAny(fileName, `/\`) {
		return nil, apperr.Invalid("file_name", "must not contain path separators")
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	want, ok := allowedExtensions[ext]
	if !ok {
		return nil, apperr.Invalid("file_name", "unsupported file type %q", ext)
	}
	if len(content) == 0 {
		return nil, apperr.Invalid("file", "must not be empty")
	}
	if len(content) > MaxUploadBytes {
		return nil, apperr.Invalid("file", "exceeds %d bytes", MaxUploadBytes)
	}

	sniffed := http.DetectContentType(content)
	if sniffed != want {
		return nil, apperr.Invalid("file", "content is %s but name says %s", sniffed, want)
	}

	upload := &Upload{
		FileName:    fileName,
		ContentType: sniffed,
		Hash:        hashContent(content),
		Content:     content,
	}
	if sniffed == contentTypePDF {
		pages, err := inspectPDF(content)
		if err != nil {
			return nil, apperr.Invalid("file", "invalid PDF: %v", err)
		}
		upload.PageCount = pages
	}
	return upload, nil
}

func inspectPDF(content []byte) (int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(content), cfg); err != nil {
		return 0, err
	}
	return api.PageCount(bytes.NewReader(content), cfg)
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormalizeICNumber strips separators and requires 12 digits.
func NormalizeICNumber(raw string) (string, error) {
	ic := stripSeparators(raw)
	if len(ic) != 12 || !allDigits(ic) {
		return "", apperr.Invalid("ic_number", "must be 12 digits")
	}
	return ic, nil
}

// NormalizePhone returns the number in international form. Local numbers get
// countryPrefix prepended.
func NormalizePhone(raw, countryPrefix string) (string, error) {
	phone := stripSeparators(raw)
	if strings.HasPrefix(phone, "+") {
		digits := phone[1:]
		if len(digits) < 10 || len(digits) > 15 || !allDigits(digits) {
			return "", apperr.Invalid("phone", "must be a valid international number")
		}
		return phone, nil
	}
	if len(phone) < 9 || len(phone) > 11 || !allDigits(phone) {
		return "", apperr.Invalid("phone", "must be 9 to 11 digits")
	}
	return countryPrefix + phone, nil
}

// ValidateOTPCode requires exactly six digits.
func ValidateOTPCode(code string) error {
	code = strings.TrimSpace(code)
	if len(code) != otpDigits || !allDigits(code) {
		return apperr.Invalid("code", "must be %d digits", otpDigits)
	}
	return nil
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
