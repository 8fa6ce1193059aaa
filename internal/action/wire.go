package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrUnknownKind is returned when a wire action names a kind this
	// package does not define.
	ErrUnknownKind = errors.New("action: unknown kind")

	// ErrMalformed is returned when the payload does not match the kind tag.
	ErrMalformed = errors.New("action: malformed payload")
)

// wireAction is the tagged union used on the wire. Exactly one payload
// field is set and it must match Kind.
type wireAction struct {
	Kind              Kind               `json:"kind" cbor:"kind"`
	UISnapshot        *UISnapshot        `json:"ui_snapshot,omitempty" cbor:"ui_snapshot,omitempty"`
	UIFind            *UIFind            `json:"ui_find,omitempty" cbor:"ui_find,omitempty"`
	UIClick           *UIClick           `json:"ui_click,omitempty" cbor:"ui_click,omitempty"`
	KeyboardType      *KeyboardType      `json:"keyboard_type,omitempty" cbor:"keyboard_type,omitempty"`
	ShellExec         *ShellExec         `json:"shell_exec,omitempty" cbor:"shell_exec,omitempty"`
	FileDelete        *FileDelete        `json:"file_delete,omitempty" cbor:"file_delete,omitempty"`
	ProcessKill       *ProcessKill       `json:"process_kill,omitempty" cbor:"process_kill,omitempty"`
	AppQuit           *AppQuit           `json:"app_quit,omitempty" cbor:"app_quit,omitempty"`
	Terminate         *Terminate         `json:"terminate,omitempty" cbor:"terminate,omitempty"`
	KillSwitchDisable *KillSwitchDisable `json:"kill_switch_disable,omitempty" cbor:"kill_switch_disable,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("action: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("action: CBOR decoder initialization failed: " + err.Error())
	}
}

func toWire(a Action) (wireAction, error) {
	w := wireAction{Kind: a.Kind()}
	switch p := a.payload.(type) {
	case UISnapshot:
		w.UISnapshot = &p
	case UIFind:
		w.UIFind = &p
	case UIClick:
		w.UIClick = &p
	case KeyboardType:
		w.KeyboardType = &p
	case ShellExec:
		w.ShellExec = &p
	case FileDelete:
		w.FileDelete = &p
	case ProcessKill:
		w.ProcessKill = &p
	case AppQuit:
		w.AppQuit = &p
	case Terminate:
		w.Terminate = &p
	case KillSwitchDisable:
		w.KillSwitchDisable = &p
	case nil:
		return wireAction{}, fmt.Errorf("%w: cannot encode empty action", ErrMalformed)
	default:
		return wireAction{}, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
	return w, nil
}

func fromWire(w wireAction) (Action, error) {
	var (
		found   []Payload
		present = func(p Payload) { found = append(found, p) }
	)
	if w.UISnapshot != nil {
		present(*w.UISnapshot)
	}
	if w.UIFind != nil {
		present(*w.UIFind)
	}
	if w.UIClick != nil {
		present(*w.UIClick)
	}
	if w.KeyboardType != nil {
		present(*w.KeyboardType)
	}
	if w.ShellExec != nil {
		present(*w.ShellExec)
	}
	if w.FileDelete != nil {
		present(*w.FileDelete)
	}
	if w.ProcessKill != nil {
		present(*w.ProcessKill)
	}
	if w.AppQuit != nil {
		present(*w.AppQuit)
	}
	if w.Terminate != nil {
		present(*w.Terminate)
	}
	if w.KillSwitchDisable != nil {
		present(*w.KillSwitchDisable)
	}

	kind := Kind(strings.TrimSpace(string(w.Kind)))
	if !knownKind(kind) {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}

	// Payload-less kinds may omit the body entirely.
	if len(found) == 0 {
		switch kind {
		case KindTerminate:
			return New(Terminate{}), nil
		case KindKillSwitchDisable:
			return New(KillSwitchDisable{}), nil
		case KindUISnapshot:
			return New(UISnapshot{}), nil
		}
		return Action{}, fmt.Errorf("%w: %s payload missing", ErrMalformed, kind)
	}
	if len(found) > 1 {
		return Action{}, fmt.Errorf("%w: %d payloads for kind %s", ErrMalformed, len(found), kind)
	}
	if found[0].Kind() != kind {
		return Action{}, fmt.Errorf("%w: kind %s carries %s payload", ErrMalformed, kind, found[0].Kind())
	}
	return New(found[0]), nil
}

func knownKind(kind Kind) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the action in its tagged wire form.
func (a Action) MarshalJSON() ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged wire form. Unknown kinds and unknown
// payload fields are rejected.
func (a *Action) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireAction
	if err := dec.Decode(&w); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return fmt.Errorf("decode action json: %w", err)
	}
	decoded, err := fromWire(w)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// MarshalCBOR encodes the action with deterministic CBOR.
func (a Action) MarshalCBOR() ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(w)
}

// UnmarshalCBOR decodes the tagged wire form from CBOR.
func (a *Action) UnmarshalCBOR(data []byte) error {
	var w wireAction
	if err := cborDec.Unmarshal(data, &w); err != nil {
		var unknownField *cbor.UnknownFieldError
		if errors.As(err, &unknownField) {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return fmt.Errorf("decode action cbor: %w", err)
	}
	decoded, err := fromWire(w)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// Parse decodes a JSON action.
func Parse(data []byte) (Action, error) {
	var a Action
	if err := a.UnmarshalJSON(bytes.TrimSpace(data)); err != nil {
		return Action{}, err
	}
	return a, nil
}
