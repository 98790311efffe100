package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ActionType is the closed set of hop control actions. Numeric values are
// part of the wire contract and must not be renumbered.
type ActionType uint32

const (
	ActionError              ActionType = 0
	ActionOK                 ActionType = 1
	ActionStop               ActionType = 2
	ActionInstallation       ActionType = 3
	ActionInProcess          ActionType = 4
	ActionDownloadResults    ActionType = 5
	ActionRestoreConnection  ActionType = 6
	ActionInteruptConnection ActionType = 7
	ActionGetState           ActionType = 8
	ActionState              ActionType = 9
	ActionAddJob             ActionType = 10
	ActionJobConn            ActionType = 11
	ActionJobState           ActionType = 12
	ActionInstallInProcess   ActionType = 13
	ActionSetStartJobsCount  ActionType = 14
	ActionDestroy            ActionType = 15
	ActionDelete             ActionType = 16
	ActionRestore            ActionType = 17
	ActionPing               ActionType = 18
	ActionPingResponse       ActionType = 19
	ActionRedirectJobConn    ActionType = 20
)

var actionNames = map[ActionType]string{
	ActionError:              "error",
	ActionOK:                 "ok",
	ActionStop:               "stop",
	ActionInstallation:       "installation",
	ActionInProcess:          "action_in_process",
	ActionDownloadResults:    "download_res",
	ActionRestoreConnection:  "restore_connection",
	ActionInteruptConnection: "interupt_connection",
	ActionGetState:           "get_state",
	ActionState:              "state",
	ActionAddJob:             "add_job",
	ActionJobConn:            "job_conn",
	ActionJobState:           "job_state",
	ActionInstallInProcess:   "install_in_process",
	ActionSetStartJobsCount:  "set_start_jobs_count",
	ActionDestroy:            "destroy",
	ActionDelete:             "delete",
	ActionRestore:            "restore",
	ActionPing:               "ping",
	ActionPingResponse:       "ping_response",
	ActionRedirectJobConn:    "redirect_job_conn",
}

// ActionTypes returns every known action type in numeric order.
func ActionTypes() []ActionType {
	out := make([]ActionType, 0, len(actionNames))
	for t := ActionError; t <= ActionRedirectJobConn; t++ {
		out = append(out, t)
	}
	return out
}

func (t ActionType) Valid() bool {
	_, ok := actionNames[t]
	return ok
}

func (t ActionType) String() string {
	if name, ok := actionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint32(t))
}

// ParseActionType resolves a wire name such as "install_in_process".
func ParseActionType(name string) (ActionType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range actionNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownActionType, name)
}

// InProcess reports whether t is an interim answer of a long-running action.
func (t ActionType) InProcess() bool {
	return t == ActionInProcess || t == ActionInstallInProcess
}

// Action is one typed control request or answer exchanged between hops.
type Action struct {
	Type ActionType
	Data map[string]any
}

func NewAction(t ActionType) Action {
	return Action{Type: t}
}

// NewActionData builds an Action whose data is the JSON object form of payload.
func NewActionData(t ActionType, payload any) (Action, error) {
	if payload == nil {
		return Action{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	data, err := decodeObject(raw)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Action{Type: t, Data: data}, nil
}

// ErrorAction builds a terminal error answer.
func ErrorAction(msg string, severity int) Action {
	return Action{
		Type: ActionError,
		Data: map[string]any{"msg": msg, "severity": int64(severity)},
	}
}

// Decode copies the action data into the typed payload out.
func (a Action) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(a.Data); err != nil {
		return fmt.Errorf("%w: decode %s data: %v", ErrInvalidMessage, a.Type, err)
	}
	return nil
}

// Err returns a *RemoteError for error actions and nil otherwise.
func (a Action) Err() error {
	if a.Type != ActionError {
		return nil
	}
	var data ErrorData
	if err := a.Decode(&data); err != nil {
		return &RemoteError{Msg: "malformed error action"}
	}
	return &RemoteError{Msg: data.Msg, Severity: data.Severity}
}

// Message packs the action into its wire form. Nil data travels as null and
// an empty map as {}, so both survive a round trip.
func (a Action) Message() (Message, error) {
	if a.Data == nil {
		return a.Type.Message(), nil
	}
	raw, err := json.Marshal(a.Data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", a.Type, err)
	}
	return Message{Type: a.Type, JSON: raw}, nil
}

// ParseData parses a JSON object into action data.
func ParseData(raw []byte) (map[string]any, error) {
	return decodeObject(raw)
}

// decodeObject parses a JSON object. Integral numbers come back as int64
// and the rest as float64.
func decodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after object")
	}
	if data == nil {
		return nil, nil
	}
	return normalizeNumbers(data).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
		return x
	default:
		return v
	}
}

// Message is the wire form of a data-less action of type t.
func (t ActionType) Message() Message {
	return Message{Type: t, JSON: []byte("null")}
}
