// Package api holds the JSON envelope shared by the payments HTTP handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxRequestBytes bounds JSON request bodies; payment commands are tiny
const maxRequestBytes = 64 << 10

// Response is the envelope for every orchestrator response. Failed payment
// operations carry both the error and the structured result.
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error is the machine-readable failure in an envelope
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Envelope error codes for failures raised by the HTTP layer itself
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeInvalidState  = "INVALID_STATE"
)

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes a successful envelope
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteFailure writes an envelope that keeps the failed result next to the error
func WriteFailure[T any](w http.ResponseWriter, status int, code, message string, data T) {
	WriteJSON(w, status, Response[T]{Data: data, Error: &Error{Code: code, Message: message}})
}

// WriteError writes an error-only envelope
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ValidationError writes a 422 with one message per invalid JSON field
func ValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	details := make(map[string]string, len(fieldErrs))
	for _, e := range fieldErrs {
		details[e.Field()] = describe(e)
	}
	WriteJSON(w, http.StatusUnprocessableEntity, Response[any]{Error: &Error{
		Code:    ErrCodeValidation,
		Message: "validation failed",
		Details: details,
	}})
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gt", "gte", "min":
		return fmt.Sprintf("must be at least %s", minimum(e))
	case "max", "lte":
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}

func minimum(e validator.FieldError) string {
	if e.Tag() == "gt" {
		n, _ := strconv.Atoi(e.Param())
		return strconv.Itoa(n + 1)
	}
	return e.Param()
}

// Validate reports fields by their JSON names
var Validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// DecodeAndValidate decodes a bounded JSON body and validates it.
// An empty body decodes to the zero value so optional payloads stay optional.
func DecodeAndValidate(r *http.Request, v any) error {
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decoding request: %w", err)
		}
	}
	return Validate.Struct(v)
}

// QueryInt reads a non-negative integer query parameter, falling back to def.
// A positive max caps the value.
func QueryInt(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
