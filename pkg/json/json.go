// Package json provides high-performance JSON serialization with object pooling.
// It wraps goccy/go-json so the rest of the codebase never imports an encoder
// directly, and pools decoders and buffers on the wire-parsing hot path.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number and RawMessage are re-exported so callers depend on this package
// alone for JSON types.
type (
	Number     = gojson.Number
	RawMessage = gojson.RawMessage
	Decoder    = gojson.Decoder
)

// jsonPool manages pooled JSON decoders and buffers
type jsonPool struct {
	decoderPool sync.Pool
	bufferPool  sync.Pool
}

var globalPool = &jsonPool{
	decoderPool: sync.Pool{
		New: func() interface{} {
			return &pooledDecoder{}
		},
	},
	bufferPool: sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	},
}

// pooledDecoder wraps a JSON decoder
type pooledDecoder struct {
	decoder *gojson.Decoder
}

// GetDecoder gets a pooled JSON decoder reading from r. The decoder uses
// json.Number for numerics so 64-bit integer columns survive decoding
// without float64 precision loss.
func GetDecoder(r io.Reader) *gojson.Decoder {
	pd := globalPool.decoderPool.Get().(*pooledDecoder)

	pd.decoder = gojson.NewDecoder(r)
	pd.decoder.UseNumber()

	return pd.decoder
}

// PutDecoder returns a decoder to the pool
func PutDecoder(dec *gojson.Decoder) {
	globalPool.decoderPool.Put(&pooledDecoder{decoder: dec})
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := globalPool.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	globalPool.bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for encoding/json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent is a drop-in replacement for encoding/json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Decode decodes data into v using a pooled decoder with json.Number
// numerics. Use this for API response bodies that carry record values.
func Decode(data []byte, v interface{}) error {
	dec := GetDecoder(bytes.NewReader(data))
	defer PutDecoder(dec)

	return dec.Decode(v)
}

// MarshalToWriter marshals v directly to a writer. The encoder does not
// escape HTML and terminates the value with a newline, which is exactly
// the framing the line-delimited message stream wants.
func MarshalToWriter(w io.Writer, v interface{}) error {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
