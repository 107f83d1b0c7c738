package validation

import (
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Allowed container formats for upload signing. Stevedore rejects anything
// else before a presigned URL is ever minted.
var allowedVideoMIMETypes = map[string]struct{}{
	"video/mp4":        {},
	"video/quicktime":  {},
	"video/webm":       {},
	"video/x-matroska": {},
}

// extensionsByMIME maps each accepted content type to the file extensions
// it may legitimately carry.
var extensionsByMIME = map[string][]string{
	"video/mp4":        {".mp4", ".m4v"},
	"video/quicktime":  {".mov", ".qt"},
	"video/webm":       {".webm"},
	"video/x-matroska": {".mkv"},
}

// RequestValidator performs structural validation for the Stevedore upload
// API and Lookout configuration. Custom tags:
//
//	hex64     - 64 lowercase hex chars (x-only pubkeys, event ids)
//	hex128    - 128 lowercase hex chars (schnorr signatures)
//	videomime - content type accepted for upload signing
//	wsurl     - ws:// or wss:// relay URL
type RequestValidator struct {
	validator *validator.Validate
}

// NewRequestValidator constructs a RequestValidator with the custom tags
// registered.
func NewRequestValidator() *RequestValidator {
	v := validator.New()
	_ = v.RegisterValidation("hex64", func(fl validator.FieldLevel) bool {
		return isLowerHex(fl.Field().String(), 64)
	})
	_ = v.RegisterValidation("hex128", func(fl validator.FieldLevel) bool {
		return isLowerHex(fl.Field().String(), 128)
	})
	_ = v.RegisterValidation("videomime", func(fl validator.FieldLevel) bool {
		_, ok := allowedVideoMIMETypes[fl.Field().String()]
		return ok
	})
	_ = v.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
	})
	return &RequestValidator{validator: v}
}

// Struct validates tagged fields on a request struct.
func (v *RequestValidator) Struct(s interface{}) error {
	return v.validator.Struct(s)
}

// Var validates a single value against a tag expression.
func (v *RequestValidator) Var(field interface{}, tag string) error {
	return v.validator.Var(field, tag)
}

// FieldErrors flattens a validator error into field → message pairs for
// api responses. Non-validator errors produce a single "request" entry.
func FieldErrors(err error) map[string]string {
	if err == nil {
		return nil
	}
	fields := make(map[string]string)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		fields["request"] = err.Error()
		return fields
	}
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			fields[name] = "is required"
		case "hex64":
			fields[name] = "must be 64 lowercase hex characters"
		case "hex128":
			fields[name] = "must be 128 lowercase hex characters"
		case "videomime":
			fields[name] = "unsupported video content type"
		case "wsurl":
			fields[name] = "must be a ws:// or wss:// URL"
		case "max":
			fields[name] = "exceeds maximum length " + fe.Param()
		case "gt":
			fields[name] = "must be greater than " + fe.Param()
		default:
			fields[name] = "failed " + fe.Tag() + " validation"
		}
	}
	return fields
}

// MIMEMatchesExtension reports whether fileName carries an extension that
// agrees with contentType. Unknown content types never match.
func MIMEMatchesExtension(contentType, fileName string) bool {
	exts, ok := extensionsByMIME[contentType]
	if !ok {
		return false
	}
	got := strings.ToLower(path.Ext(fileName))
	for _, ext := range exts {
		if got == ext {
			return true
		}
	}
	return false
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
