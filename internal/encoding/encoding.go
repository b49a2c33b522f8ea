// Package encoding detects and removes the transport encoding the portal
// applies to payloads. A response is either the raw archive bytes or a
// base64 data URL ("data:<mime>;base64,<body>"); which one is not announced.
package encoding

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PeekSize is how much of a stream is inspected before committing to a variant.
const PeekSize = 256

// DiagnosticPrefixSize bounds the response prefix kept for diagnosis.
const DiagnosticPrefixSize = 64

// Kind is the transport encoding variant.
type Kind int

const (
	// Raw means the payload bytes are the artifact itself.
	Raw Kind = iota
	// Base64DataURL means the payload is a data URL with a base64 body.
	Base64DataURL
)

func (k Kind) String() string {
	if k == Base64DataURL {
		return "base64_data_url"
	}
	return "raw"
}

// Encoding is the detected variant. MIME is set only for Base64DataURL.
type Encoding struct {
	Kind Kind
	MIME string
	// bodyOffset is where the encoded body starts within the stream.
	bodyOffset int
}

var (
	// ErrUnknownEncoding marks payloads that match neither variant.
	ErrUnknownEncoding = errors.New("unknown transport encoding")
	// ErrCorruptPayload marks a body that does not decode under its detected variant.
	ErrCorruptPayload = errors.New("corrupt payload body")
)

// UnknownEncodingError carries the response prefix of an unrecognized payload.
type UnknownEncodingError struct {
	Reason string
	Prefix []byte
}

func (e *UnknownEncodingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownEncoding, e.Reason)
}

// Is matches ErrUnknownEncoding.
func (e *UnknownEncodingError) Is(target error) bool {
	return target == ErrUnknownEncoding
}

var dataURLScheme = []byte("data:")

// Detect classifies a payload from its first bytes. A "data:" prefix whose
// header is not a complete ";base64," header within prefix is unknown.
func Detect(prefix []byte) (Encoding, error) {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if !bytes.HasPrefix(trimmed, dataURLScheme) {
		return Encoding{Kind: Raw}, nil
	}

	lead := len(prefix) - len(trimmed)
	comma := bytes.IndexByte(trimmed, ',')
	if comma < 0 {
		return Encoding{}, unknown("data URL header not terminated", prefix)
	}

	meta := string(trimmed[len(dataURLScheme):comma])
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Encoding{}, unknown(fmt.Sprintf("data URL without base64 marker (%q)", meta), prefix)
	}

	return Encoding{Kind: Base64DataURL, MIME: mime, bodyOffset: lead + comma + 1}, nil
}

func unknown(reason string, prefix []byte) error {
	n := min(len(prefix), DiagnosticPrefixSize)
	return &UnknownEncodingError{Reason: reason, Prefix: bytes.Clone(prefix[:n])}
}

// NewReader peeks at r, detects its variant and returns a reader yielding
// the decoded artifact bytes. Both the streaming and the in-memory paths use it.
func NewReader(r io.Reader) (io.Reader, Encoding, error) {
	br := bufio.NewReaderSize(r, PeekSize)
	prefix, err := br.Peek(PeekSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, Encoding{}, fmt.Errorf("peek payload: %w", err)
	}

	enc, err := Detect(prefix)
	if err != nil {
		return nil, Encoding{}, err
	}

	if enc.Kind == Raw {
		return br, enc, nil
	}

	if _, discardErr := br.Discard(enc.bodyOffset); discardErr != nil {
		return nil, Encoding{}, fmt.Errorf("skip data URL header: %w", discardErr)
	}
	return &corruptMapper{r: base64.NewDecoder(base64.StdEncoding, br)}, enc, nil
}

// Decode is the in-memory form of NewReader.
func Decode(payload []byte) ([]byte, Encoding, error) {
	r, enc, err := NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, Encoding{}, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, Encoding{}, err
	}
	return out, enc, nil
}

// corruptMapper reports base64 failures as ErrCorruptPayload.
type corruptMapper struct {
	r io.Reader
}

func (c *corruptMapper) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	var corrupt base64.CorruptInputError
	if errors.As(err, &corrupt) {
		return n, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return n, err
}
