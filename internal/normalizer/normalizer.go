// Package normalizer maps heterogeneous provider status payloads onto a
// canonical processing/ready/failed status plus result URLs. Normalize is a
// pure function: the same input always yields the same Result.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

var (
	// ErrProviderHTTP marks a non-success provider answer. Callers treat it as a
	// transient polling error, never as a generation failure.
	ErrProviderHTTP = errors.New("provider http error")
	// ErrUnparsableResponse marks a body that is not a JSON object.
	ErrUnparsableResponse = errors.New("unparsable provider response")
)

// RawResponse is the untouched provider answer.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// Result is the canonical view of a provider status payload.
type Result struct {
	Status       Status
	ResultURLs   []string
	ErrorMessage string
	// Shape names the URL layout that matched, empty when none did.
	Shape string
	// Promoted is set when URLs upgraded a processing marker to ready.
	Promoted bool
}

// FirstURL returns the primary result URL or an empty string.
func (r Result) FirstURL() string {
	if len(r.ResultURLs) == 0 {
		return ""
	}
	return r.ResultURLs[0]
}

const envelopeSuccessCode = 200

var failureStates = map[string]struct{}{
	"fail": {}, "failed": {}, "failure": {}, "error": {},
	"generate_failed": {}, "create_task_failed": {},
	"canceled": {}, "cancelled": {}, "rejected": {},
}

var successStates = map[string]struct{}{
	"success": {}, "succeeded": {}, "completed": {}, "complete": {},
	"ready": {}, "done": {}, "finished": {},
}

var processingStates = map[string]struct{}{
	"wait": {}, "waiting": {}, "queueing": {}, "queued": {}, "pending": {},
	"generating": {}, "processing": {}, "running": {}, "in_progress": {},
}

// asyncProviders answer status checks before the asset exists, so a payload
// without any marker means the task is still running.
var asyncProviders = map[enums.Provider]struct{}{
	enums.ProviderVeo3:        {},
	enums.ProviderGPT4oImage:  {},
	enums.ProviderFluxKontext: {},
	enums.ProviderRunway:      {},
}

// IsProcessingCapable reports whether missing status markers mean "still running" for provider.
func IsProcessingCapable(provider enums.Provider) bool {
	_, ok := asyncProviders[provider]
	return ok
}

// Normalize interprets a status-check response.
func Normalize(provider enums.Provider, raw RawResponse) (Result, error) {
	if raw.StatusCode < 200 || raw.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: status %d", ErrProviderHTTP, raw.StatusCode)
	}
	root, err := decode(raw.Body)
	if err != nil {
		return Result{}, err
	}
	if code, ok := envelopeCode(root); ok && code != envelopeSuccessCode {
		return Result{}, fmt.Errorf("%w: envelope code %d: %s", ErrProviderHTTP, code, stringField(root, "msg"))
	}
	return interpret(provider, payloadOf(root)), nil
}

// NormalizeCallback interprets an out-of-band completion callback body. Unlike
// status checks, a non-success envelope code in a callback reports a failed
// generation rather than a broken request.
func NormalizeCallback(provider enums.Provider, body []byte) (Result, error) {
	root, err := decode(body)
	if err != nil {
		return Result{}, err
	}
	if code, ok := envelopeCode(root); ok && code != envelopeSuccessCode {
		msg := firstNonEmpty(stringField(payloadOf(root), "errorMessage"), stringField(payloadOf(root), "failMsg"), stringField(root, "msg"))
		if msg == "" {
			msg = fmt.Sprintf("provider callback reported code %d", code)
		}
		return Result{Status: StatusFailed, ErrorMessage: msg}, nil
	}
	result := interpret(provider, payloadOf(root))
	// A success callback carries the final answer even when it omits markers.
	if result.Status == StatusProcessing && !hasMarker(payloadOf(root)) {
		result.Status = StatusReady
	}
	return result, nil
}

func decode(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnparsableResponse)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: null body", ErrUnparsableResponse)
	}
	return root, nil
}

// payloadOf unwraps the {code,msg,data} envelope when data is an object.
func payloadOf(root map[string]any) map[string]any {
	if data, ok := root["data"].(map[string]any); ok {
		return data
	}
	return root
}

func envelopeCode(root map[string]any) (int64, bool) {
	if _, ok := root["data"]; !ok {
		return 0, false
	}
	return intField(root, "code")
}

func interpret(provider enums.Provider, payload map[string]any) Result {
	urls, shape := extractURLs(payload)
	result := Result{ResultURLs: urls, Shape: shape}

	switch marker := statusMarker(payload); marker {
	case StatusFailed:
		result.Status = StatusFailed
		result.ErrorMessage = failureMessage(payload)
		result.ResultURLs = nil
		result.Shape = ""
		return result
	case StatusReady:
		result.Status = StatusReady
	case StatusProcessing:
		result.Status = StatusProcessing
	default:
		if IsProcessingCapable(provider) {
			result.Status = StatusProcessing
		} else {
			result.Status = StatusReady
		}
	}

	if result.Status == StatusProcessing && len(urls) > 0 {
		result.Status = StatusReady
		result.Promoted = true
	}
	if result.ResultURLs == nil && result.Status == StatusReady {
		result.ResultURLs = []string{}
	}
	return result
}

// statusMarker evaluates failure markers before success markers, then
// explicit processing markers. An empty return means no marker was present.
func statusMarker(payload map[string]any) Status {
	flag, hasFlag := intField(payload, "successFlag")
	state := strings.ToLower(firstNonEmpty(stringField(payload, "state"), stringField(payload, "status")))

	if hasFlag && (flag < 0 || flag >= 2) {
		return StatusFailed
	}
	if _, ok := failureStates[state]; ok {
		return StatusFailed
	}
	if hasFlag && flag == 1 {
		return StatusReady
	}
	if _, ok := successStates[state]; ok {
		return StatusReady
	}
	if hasFlag && flag == 0 {
		return StatusProcessing
	}
	if _, ok := processingStates[state]; ok {
		return StatusProcessing
	}
	return ""
}

func hasMarker(payload map[string]any) bool {
	return statusMarker(payload) != ""
}

func failureMessage(payload map[string]any) string {
	msg := firstNonEmpty(
		stringField(payload, "errorMessage"),
		stringField(payload, "failMsg"),
		stringField(payload, "error"),
		stringField(payload, "msg"),
	)
	if msg == "" {
		return "provider reported generation failure"
	}
	return msg
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

func intField(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
