package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Result is the validated engine output. Exactly one of Records, Record
// or Error is meaningful.
type Result struct {
	Records []json.RawMessage
	Record  json.RawMessage
	Error   string
}

// Failed reports whether the engine returned {"error": ...}
func (r *Result) Failed() bool {
	return r.Error != ""
}

// SubprocessError is a non-zero exit or timeout of the engine
type SubprocessError struct {
	Action   string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *SubprocessError) Error() string {
	msg := e.Action + " failed"
	if e.TimedOut || e.Stderr == "" {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *SubprocessError) Unwrap() error {
	return e.Err
}

// MalformedOutputError is engine output that is not one JSON document of an accepted shape
type MalformedOutputError struct {
	Action string
	Reason string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s output: %s: %v", e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s output: %s", e.Action, e.Reason)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// Decode parses stdout of action. Accepted shapes are an array of objects
// for list actions, a single object for scrape_product, and
// {"error": "..."} for any action.
func Decode(action string, stdout []byte) (*Result, error) {
	malformed := func(reason string, err error) error {
		return &MalformedOutputError{Action: action, Reason: reason, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(stdout))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed("empty output", nil)
		}
		return nil, malformed("invalid JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after JSON document", nil)
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, malformed("invalid array", err)
		}
		if action == ActionScrapeProduct {
			return nil, malformed("expected a single object", nil)
		}
		for i, item := range items {
			if len(item) == 0 || item[0] != '{' {
				return nil, malformed(fmt.Sprintf("element %d is not an object", i), nil)
			}
		}
		return &Result{Records: items}, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, malformed("invalid object", err)
		}
		if msg, ok := fields["error"]; ok && string(msg) != "null" {
			var text string
			if err := json.Unmarshal(msg, &text); err != nil {
				return nil, malformed("error field is not a string", err)
			}
			if text == "" {
				text = "engine reported an error"
			}
			return &Result{Error: text}, nil
		}
		if action != ActionScrapeProduct {
			return nil, malformed("expected an array of records", nil)
		}
		return &Result{Record: raw}, nil
	}

	return nil, malformed("expected an array or object", nil)
}
