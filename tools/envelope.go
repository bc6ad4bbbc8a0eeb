package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voocel/codebox/schema"
)

// Envelope is the uniform result of a capability execution. It marshals to a
// single flat JSON object: success, code and error on failure, plus the
// capability's own fields.
type Envelope struct {
	Success bool
	Code    schema.ErrorCode
	Error   string
	Fields  map[string]any
}

// OK builds a successful envelope.
func OK(fields map[string]any) Envelope {
	return Envelope{Success: true, Fields: fields}
}

// Fail builds a failed envelope classified by err.
func Fail(err error) Envelope {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Envelope{Code: schema.CodeOf(err), Error: err.Error()}
}

// With returns a copy of e carrying key=value.
func (e Envelope) With(key string, value any) Envelope {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Get returns a capability field.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// String returns a capability field as a string, or "".
func (e Envelope) String(key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Summary is a one-line description for operator output.
func (e Envelope) Summary() string {
	if !e.Success {
		if e.Error == "" {
			return "Unknown error"
		}
		return e.Error
	}
	if msg := e.String("message"); msg != "" {
		return msg
	}
	return "Done"
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["success"] = e.Success
	if !e.Success {
		flat["code"] = e.Code
		flat["error"] = e.Error
	}
	return json.Marshal(flat)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	success, ok := flat["success"].(bool)
	if !ok {
		return fmt.Errorf("envelope: missing success flag")
	}
	*e = Envelope{Success: success}
	if code, ok := flat["code"].(string); ok {
		e.Code = schema.ErrorCode(code)
	}
	if msg, ok := flat["error"].(string); ok {
		e.Error = msg
	}
	delete(flat, "success")
	delete(flat, "code")
	delete(flat, "error")
	if len(flat) > 0 {
		e.Fields = flat
	}
	return nil
}

// Encode serializes the envelope for a tool message.
func (e Envelope) Encode() string {
	data, err := json.Marshal(e)
	if err != nil {
		fallback, _ := json.Marshal(Fail(fmt.Errorf("%w: encode result: %v", schema.ErrIO, err)))
		return string(fallback)
	}
	return string(data)
}
