package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// ErrBadMAC is returned when an envelope fails authentication.
var ErrBadMAC = errors.New("envelope MAC mismatch")

const macDomain = "steward transport v1"

// Signer authenticates envelopes with a keyed BLAKE3 MAC over the canonical
// CBOR encoding of the envelope body. A nil Signer signs nothing and
// accepts only unsigned envelopes.
type Signer struct {
	key [32]byte
}

// NewSigner derives a MAC key from a shared secret. An empty secret yields
// a nil Signer.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{key: blake3.Sum256([]byte(macDomain + "\x00" + secret))}
}

type requestBody struct {
	Type          FrameType     `cbor:"t"`
	CorrelationID string        `cbor:"c"`
	SessionID     string        `cbor:"s"`
	Action        action.Action `cbor:"a"`
}

type responseBody struct {
	Type          FrameType `cbor:"t"`
	CorrelationID string    `cbor:"c"`
	Status        Status    `cbor:"st"`
	Data          string    `cbor:"d"`
	Error         string    `cbor:"e"`
}

type controlBody struct {
	Type    FrameType `cbor:"t"`
	Control string    `cbor:"k"`
	Reason  string    `cbor:"r"`
}

func (s *Signer) mac(body any) ([]byte, error) {
	encoded, err := cborEnc.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode envelope body: %w", err)
	}
	hasher, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("init keyed hash: %w", err)
	}
	_, _ = hasher.Write(encoded)
	return hasher.Sum(nil), nil
}

func (s *Signer) verify(body any, got []byte) error {
	if s == nil {
		if len(got) != 0 {
			return fmt.Errorf("%w: signed envelope but no secret configured", ErrBadMAC)
		}
		return nil
	}
	want, err := s.mac(body)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrBadMAC
	}
	return nil
}

func reqBody(r Request) requestBody {
	return requestBody{Type: FrameRequest, CorrelationID: r.CorrelationID, SessionID: r.SessionID, Action: r.Action}
}

func respBody(r Response) responseBody {
	return responseBody{Type: FrameResponse, CorrelationID: r.CorrelationID, Status: r.Status, Data: r.Data, Error: r.Error}
}

func ctrlBody(c Control) controlBody {
	return controlBody{Type: FrameControl, Control: c.Type, Reason: c.Reason}
}

// SignRequest sets the request MAC.
func (s *Signer) SignRequest(r *Request) error {
	if s == nil {
		r.MAC = nil
		return nil
	}
	mac, err := s.mac(reqBody(*r))
	if err != nil {
		return err
	}
	r.MAC = mac
	return nil
}

// VerifyRequest checks the request MAC.
func (s *Signer) VerifyRequest(r Request) error {
	return s.verify(reqBody(r), r.MAC)
}

// SignResponse sets the response MAC.
func (s *Signer) SignResponse(r *Response) error {
	if s == nil {
		r.MAC = nil
		return nil
	}
	mac, err := s.mac(respBody(*r))
	if err != nil {
		return err
	}
	r.MAC = mac
	return nil
}

// VerifyResponse checks the response MAC.
func (s *Signer) VerifyResponse(r Response) error {
	return s.verify(respBody(r), r.MAC)
}

// SignControl sets the control MAC.
func (s *Signer) SignControl(c *Control) error {
	if s == nil {
		c.MAC = nil
		return nil
	}
	mac, err := s.mac(ctrlBody(*c))
	if err != nil {
		return err
	}
	c.MAC = mac
	return nil
}

// VerifyControl checks the control MAC.
func (s *Signer) VerifyControl(c Control) error {
	return s.verify(ctrlBody(c), c.MAC)
}
