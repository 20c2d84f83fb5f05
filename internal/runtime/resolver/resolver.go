// Package resolver expands %message{...} and %payload{...} references
// embedded in configuration strings against a concrete message.
//
//	%message{key}        metadata value stored under key
//	%message{$$key}      metadata value stored under the key named by key's value
//	%message{%size}      payload size in bytes
//	%message{%uniqueId}  message unique id
//	%payload{xpath:EXPR} first XPath result against an XML payload
//	%payload{jsonpath:P} JSONPath result against a JSON payload
//	%payload{jq:QUERY}   first jq result against a JSON payload
//	%payload{id:NAME}    named payload of a multi-payload message
//
// Unresolvable references are errors, never empty substitutions.
package resolver

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/jsoncodec"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

const (
	messagePrefix = "%message{"
	payloadPrefix = "%payload{"

	builtinSize     = "%size"
	builtinUniqueID = "%uniqueId"
	indirection     = "$$"
)

// Resolver expands references. Compiled XPath and jq programs are cached per
// expression, so a Resolver should be shared rather than rebuilt per message.
type Resolver struct {
	codec *jsoncodec.Codec

	xpathCache sync.Map
	jqCache    sync.Map
}

// New returns a Resolver decoding JSON payloads with codec. A nil codec uses
// the standard one.
func New(codec *jsoncodec.Codec) *Resolver {
	return &Resolver{codec: jsoncodec.OrDefault(codec)}
}

// IsExpression reports whether s contains any reference.
func IsExpression(s string) bool {
	return strings.Contains(s, messagePrefix) || strings.Contains(s, payloadPrefix)
}

// Resolve expands every reference in expr.
func (r *Resolver) Resolve(msg *message.Message, expr string) (string, error) {
	return r.ResolveContext(context.Background(), msg, expr)
}

// ResolveOptional is Resolve for optional settings: a nil expr resolves to nil.
func (r *Resolver) ResolveOptional(msg *message.Message, expr *string) (*string, error) {
	if expr == nil {
		return nil, nil
	}
	out, err := r.Resolve(msg, *expr)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveContext is Resolve with a context bounding jq evaluation.
func (r *Resolver) ResolveContext(ctx context.Context, msg *message.Message, expr string) (string, error) {
	if !IsExpression(expr) {
		return expr, nil
	}

	var b strings.Builder
	rest := expr
	for {
		start, prefix := nextReference(rest)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])

		bodyStart := start + len(prefix)
		end := closingBrace(rest, bodyStart)
		if end < 0 {
			return "", &errors.ResolutionError{Expression: rest[start:], Reason: "unterminated reference"}
		}
		token := rest[start : end+1]
		body := rest[bodyStart:end]

		var (
			value string
			err   error
		)
		if prefix == messagePrefix {
			value, err = resolveMessage(msg, token, body)
		} else {
			value, err = r.resolvePayload(ctx, msg, token, body)
		}
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		rest = rest[end+1:]
	}
}

func nextReference(s string) (int, string) {
	m := strings.Index(s, messagePrefix)
	p := strings.Index(s, payloadPrefix)
	switch {
	case m < 0 && p < 0:
		return -1, ""
	case p < 0 || (m >= 0 && m < p):
		return m, messagePrefix
	default:
		return p, payloadPrefix
	}
}

// closingBrace finds the brace closing the reference whose body starts at
// from, honouring nested braces inside payload queries.
func closingBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func resolveMessage(msg *message.Message, token, key string) (string, error) {
	switch {
	case key == builtinSize:
		return strconv.FormatInt(msg.Size(), 10), nil
	case key == builtinUniqueID:
		return msg.UniqueID(), nil
	case strings.HasPrefix(key, indirection):
		ref := strings.TrimPrefix(key, indirection)
		target, ok := msg.Metadata(ref)
		if !ok {
			return "", &errors.ResolutionError{Expression: token, Key: ref}
		}
		value, ok := msg.Metadata(target)
		if !ok {
			return "", &errors.ResolutionError{Expression: token, Key: target}
		}
		return value, nil
	case key == "":
		return "", &errors.ResolutionError{Expression: token, Reason: "empty metadata key"}
	default:
		value, ok := msg.Metadata(key)
		if !ok {
			return "", &errors.ResolutionError{Expression: token, Key: key}
		}
		return value, nil
	}
}

func (r *Resolver) resolvePayload(ctx context.Context, msg *message.Message, token, body string) (string, error) {
	kind, query, ok := strings.Cut(body, ":")
	if !ok || query == "" {
		return "", &errors.ResolutionError{Expression: token, Reason: "expected TYPE:EXPRESSION"}
	}
	switch kind {
	case "xpath":
		return r.evalXPath(msg, token, query)
	case "jsonpath":
		return r.evalJSONPath(msg, token, query)
	case "jq":
		return r.evalJQ(ctx, msg, token, query)
	case "id":
		data, ok := msg.PayloadByID(query)
		if !ok {
			return "", &errors.ResolutionError{Expression: token, Reason: "unknown payload", Err: errors.ErrUnknownPayload}
		}
		return string(data), nil
	default:
		return "", &errors.ResolutionError{Expression: token, Reason: "unknown payload query type " + strconv.Quote(kind)}
	}
}
