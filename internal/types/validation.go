package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MinDeviceTokenLength is the shortest push token accepted by the push channel.
const MinDeviceTokenLength = 10

var envelopeValidate = newEnvelopeValidator()

// newEnvelopeValidator reports field errors by their JSON names.
func newEnvelopeValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeEnvelope unmarshals and validates a queue message body. Any failure
// is a validation AppError: the message can never succeed and must not be
// requeued.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewAppError(ErrCodeValidationMalformed, "envelope is not valid JSON", err)
	}
	if err := env.Validate(); err != nil {
		return &env, err
	}
	return &env, nil
}

// Validate checks required envelope fields.
func (e *Envelope) Validate() error {
	err := envelopeValidate.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewAppError(ErrCodeValidationMalformed, "envelope validation failed", err)
	}

	fields := make([]string, 0, len(verrs))
	code := ErrCodeValidationMissingField
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fieldPath(fe.Namespace()), fe.Tag()))
		if fe.Field() == "type" && fe.Tag() == "oneof" {
			code = ErrCodeValidationInvalidChannel
		}
	}
	return NewAppErrorWithDetails(code, "invalid envelope: "+strings.Join(fields, ", "), err,
		map[string]any{"fields": fields})
}

// fieldPath drops the root struct name: "Envelope.data.recipient" becomes
// "data.recipient".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
