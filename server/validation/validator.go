package validation

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/neuralconstruct/construct/errors"
)

// MaxBodyBytes bounds a chat request body.
const MaxBodyBytes = 4 << 20

// ValidationErrorDetail describes one rejected field.
type ValidationErrorDetail struct {
	Field   string `json:"field"`           // The field that failed validation
	Message string `json:"message"`         // Human-readable error message
	Code    string `json:"code"`            // Machine-readable error code
	Value   string `json:"value,omitempty"` // The invalid value (if safe to return)
}

// Validator decodes and validates chat requests.
type Validator struct {
	validate  *validator.Validate
	counter   *TokenCounter
	maxTokens int
}

// NewValidator creates a Validator. counter may be nil when maxTokens is
// not positive.
func NewValidator(counter *TokenCounter, maxTokens int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if counter == nil {
		maxTokens = 0
	}
	return &Validator{validate: v, counter: counter, maxTokens: maxTokens}
}

// Decode reads a ChatRequest from r. Failures come back as a ready-to-write
// 400 error.
func (v *Validator) Decode(w http.ResponseWriter, r *http.Request, requestID string) (*ChatRequest, *errors.ConstructError) {
	ct := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
		return nil, invalid(requestID, "Invalid or missing Content-Type header", ValidationErrorDetail{
			Field:   "header:Content-Type",
			Message: "Content-Type must be application/json",
			Code:    "invalid_content_type",
			Value:   ct,
		})
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, invalid(requestID, "Request body too large", ValidationErrorDetail{
				Field:   "body",
				Message: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
				Code:    "body_too_large",
			})
		}
		return nil, invalid(requestID, "Invalid request format", ValidationErrorDetail{
			Field:   "body",
			Message: err.Error(),
			Code:    "invalid_json",
		})
	}

	if err := v.Validate(req); err != nil {
		return nil, err.withRequestID(requestID)
	}

	if v.maxTokens > 0 {
		if err := v.counter.ValidateTokens(req, v.maxTokens); err != nil {
			return nil, invalid(requestID, "Token limit exceeded", ValidationErrorDetail{
				Field:   "messages",
				Message: err.Error(),
				Code:    "token_limit_exceeded",
				Value:   fmt.Sprintf("%d", v.maxTokens),
			})
		}
	}
	return &req, nil
}

// FieldErrors is a failed schema check.
type FieldErrors []ValidationErrorDetail

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, d := range fe {
		parts[i] = d.Field + ": " + d.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) withRequestID(requestID string) *errors.ConstructError {
	return invalid(requestID, "Request validation failed", fe...)
}

// Validate checks req against the schema.
func (v *Validator) Validate(req ChatRequest) FieldErrors {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return FieldErrors{{Field: "request", Message: err.Error(), Code: "invalid"}}
	}

	details := make(FieldErrors, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "ChatRequest.messages[0].role"; drop the type name.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		detail := ValidationErrorDetail{
			Field:   field,
			Message: fieldMessage(fe),
			Code:    fe.Tag() + "_validation_failed",
		}
		if echoesValue(field) {
			detail.Value = fmt.Sprintf("%v", fe.Value())
		}
		details = append(details, detail)
	}
	return details
}

// echoesValue reports whether the rejected value of field may be returned to
// the caller. Message bodies never are.
func echoesValue(field string) bool {
	return field != "messages" && field != "content" && !strings.HasSuffix(field, ".content")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", fe.Field())
	case "min":
		return fmt.Sprintf("field '%s' needs at least %s entries", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("field '%s' allows at most %s entries", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("validation failed on '%s'", fe.Tag())
	}
}

func invalid(requestID, message string, details ...ValidationErrorDetail) *errors.ConstructError {
	return errors.NewValidationError(requestID, message, map[string]interface{}{
		"validation_errors": details,
	})
}
