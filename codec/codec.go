package codec

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"

	"github.com/nimbus-cluster/membership/errs"
	"github.com/nimbus-cluster/membership/keyring"
)

// compressAlgo tags the compression layer; compressNone means the layer is
// absent from the wire entirely rather than present-with-no-op, so this
// value never appears on the wire — it only drives local branching.
type compressAlgo uint8

const (
	compressNone compressAlgo = iota
	compressSnappy
)

// encAlgo tags the encryption layer the same way.
type encAlgo uint8

const (
	encNone encAlgo = iota
	encAESGCM
)

// Options configures one codec instance. Both peers in a cluster must agree
// on Label and Compress; Keyring governs encryption (nil or empty means
// traffic is sent and accepted unencrypted).
type Options struct {
	Label    string
	Compress bool
	Keyring  *keyring.Keyring
}

// Codec frames, compresses, encrypts, and labels outbound messages, and
// mirrors that pipeline on decode (spec.md §4.9).
type Codec struct {
	opts Options
}

func New(opts Options) *Codec {
	return &Codec{opts: opts}
}

// Encode serializes kind+body into a frame, then applies compression,
// encryption, and labeling per c.opts (spec.md §6 envelope order: compress
// innermost, then encrypt, then label outermost).
func (c *Codec) Encode(kind Kind, body []byte) ([]byte, error) {
	frame := EncodeFrame(kind, body)
	return c.wrap(frame)
}

// EncodeRaw wraps an already-framed payload (used for pre-built Compound frames).
func (c *Codec) EncodeRaw(frame []byte) ([]byte, error) {
	return c.wrap(frame)
}

func (c *Codec) wrap(frame []byte) ([]byte, error) {
	payload := frame

	if c.opts.Compress {
		compressed := snappy.Encode(nil, payload)
		var buf bytes.Buffer
		buf.WriteByte(byte(compressSnappy))
		buf.Write(compressed)
		payload = buf.Bytes()
	}

	if c.opts.Keyring != nil && c.opts.Keyring.Len() > 0 {
		key := c.opts.Keyring.Primary()
		label := []byte(c.opts.Label)
		sealed, err := keyring.Seal(key, payload, label)
		if err != nil {
			return nil, errs.Transport("codec: seal", err)
		}
		var buf bytes.Buffer
		buf.WriteByte(byte(encAESGCM))
		buf.Write(sealed)
		payload = buf.Bytes()
	}

	if c.opts.Label != "" {
		if len(c.opts.Label) > 255 {
			return nil, fmt.Errorf("codec: label too long: %d bytes", len(c.opts.Label))
		}
		var buf bytes.Buffer
		buf.WriteByte(byte(len(c.opts.Label)))
		buf.WriteString(c.opts.Label)
		buf.Write(payload)
		payload = buf.Bytes()
	}

	return payload, nil
}

// Decode mirrors Encode: verify the label, decrypt (trying every installed
// key), decompress, then parse the base frame (spec.md §4.9).
func (c *Codec) Decode(wire []byte) (Frame, error) {
	payload := wire

	if c.opts.Label != "" {
		if len(payload) < 1 {
			return Frame{}, errs.Decode("codec: missing label", nil)
		}
		n := int(payload[0])
		if len(payload) < 1+n {
			return Frame{}, errs.Decode("codec: truncated label", nil)
		}
		got := string(payload[1 : 1+n])
		if got != c.opts.Label {
			return Frame{}, errs.Decode(fmt.Sprintf("codec: label mismatch: got %q", got), nil)
		}
		payload = payload[1+n:]
	}

	if c.opts.Keyring != nil && c.opts.Keyring.Len() > 0 {
		if len(payload) < 1 {
			return Frame{}, errs.Decode("codec: missing encryption envelope", nil)
		}
		algo := encAlgo(payload[0])
		if algo != encAESGCM {
			return Frame{}, errs.Decode(fmt.Sprintf("codec: unknown encryption algo %d", algo), nil)
		}
		sealed := payload[1:]
		var plain []byte
		var lastErr error
		label := []byte(c.opts.Label)
		for _, key := range c.opts.Keyring.Keys() {
			p, err := keyring.Open(key, sealed, label)
			if err == nil {
				plain = p
				lastErr = nil
				break
			}
			lastErr = err
		}
		if lastErr != nil {
			return Frame{}, errs.Decode("codec: decrypt failed against every installed key", lastErr)
		}
		payload = plain
	}

	if c.opts.Compress {
		if len(payload) < 1 {
			return Frame{}, errs.Decode("codec: missing compression marker", nil)
		}
		algo := compressAlgo(payload[0])
		if algo != compressSnappy {
			return Frame{}, errs.Decode(fmt.Sprintf("codec: unknown compression algo %d", algo), nil)
		}
		decompressed, err := snappy.Decode(nil, payload[1:])
		if err != nil {
			return Frame{}, errs.Decode("codec: snappy decode", err)
		}
		payload = decompressed
	}

	frame, _, err := DecodeFrame(payload)
	if err != nil {
		return Frame{}, errs.Decode("codec: decode frame", err)
	}
	return frame, nil
}
