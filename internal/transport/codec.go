package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// maxFrameBytes bounds a single decoded frame.
const maxFrameBytes = 4 << 20

// ErrMalformedFrame marks a frame that was read completely but rejected.
// The stream stays usable after it.
var ErrMalformedFrame = errors.New("malformed frame")

// Codec produces stream encoders and decoders for frames.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) FrameEncoder
	NewDecoder(r io.Reader) FrameDecoder
}

// FrameEncoder writes frames to a stream.
type FrameEncoder interface {
	Encode(Frame) error
}

// FrameDecoder reads frames from a stream. Unknown fields are errors.
type FrameDecoder interface {
	Decode() (Frame, error)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1024,
		MaxMapPairs:       1024,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is the default codec: deterministic Core encoding, self-delimiting
// on the stream.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) NewEncoder(w io.Writer) FrameEncoder {
	return cborEncoder{enc: cborEnc.NewEncoder(w)}
}

func (CBOR) NewDecoder(r io.Reader) FrameDecoder {
	return cborDecoder{dec: cborDec.NewDecoder(r)}
}

type cborEncoder struct{ enc *cbor.Encoder }

func (e cborEncoder) Encode(f Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return e.enc.Encode(f)
}

type cborDecoder struct{ dec *cbor.Decoder }

func (d cborDecoder) Decode() (Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		var unknownField *cbor.UnknownFieldError
		if errors.As(err, &unknownField) || errors.Is(err, action.ErrMalformed) || errors.Is(err, action.ErrUnknownKind) {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// JSON is a newline delimited JSON codec, handy for debugging with socat.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) NewEncoder(w io.Writer) FrameEncoder {
	return jsonEncoder{enc: json.NewEncoder(w)}
}

func (JSON) NewDecoder(r io.Reader) FrameDecoder {
	return &jsonDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

type jsonEncoder struct{ enc *json.Encoder }

func (e jsonEncoder) Encode(f Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return e.enc.Encode(f)
}

type jsonDecoder struct {
	r *bufio.Reader
}

func (d *jsonDecoder) Decode() (Frame, error) {
	line, err := d.readLine()
	if err != nil {
		return Frame{}, err
	}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.DisallowUnknownFields()
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func (d *jsonDecoder) readLine() (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > maxFrameBytes {
			return "", fmt.Errorf("json frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			if strings.TrimSpace(b.String()) == "" {
				b.Reset()
				continue
			}
			return b.String(), nil
		}
	}
}

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		return CBOR{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown transport codec %q", name)
	}
}
