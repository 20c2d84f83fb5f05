package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// Codec is a JSON serializer instance. Components that serialize (event
// serializers, the JSON path resolver, config dumps) receive a Codec instead of
// reaching for a package-level singleton.
type Codec struct {
	api sonic.API
}

// New returns a Codec compatible with encoding/json output.
func New() *Codec {
	return &Codec{api: sonic.ConfigStd}
}

// NewFastest returns a Codec tuned for throughput; map keys are not sorted and
// HTML is not escaped.
func NewFastest() *Codec {
	return &Codec{api: sonic.ConfigFastest}
}

// OrDefault returns c, or a standard Codec when c is nil.
func OrDefault(c *Codec) *Codec {
	if c == nil {
		return New()
	}
	return c
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *Codec) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return c.api.MarshalIndent(v, prefix, indent)
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}

func (c *Codec) Valid(data []byte) bool {
	return c.api.Valid(data)
}

func (c *Codec) Encode(w io.Writer, v any) error {
	return c.api.NewEncoder(w).Encode(v)
}

func (c *Codec) Decode(r io.Reader, v any) error {
	return c.api.NewDecoder(r).Decode(v)
}
