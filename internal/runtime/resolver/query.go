package resolver

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/itchyny/gojq"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

func (r *Resolver) evalXPath(msg *message.Message, token, query string) (string, error) {
	compiled, err := r.compileXPath(query)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "invalid xpath", Err: err}
	}
	doc, err := xmlquery.Parse(bytes.NewReader(msg.Payload()))
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "payload is not XML", Err: err}
	}

	switch v := compiled.Evaluate(xmlquery.CreateXPathNavigator(doc)).(type) {
	case *xpath.NodeIterator:
		if !v.MoveNext() {
			return "", &errors.ResolutionError{Expression: token, Reason: "no matching node"}
		}
		return v.Current().Value(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (r *Resolver) compileXPath(query string) (*xpath.Expr, error) {
	if cached, ok := r.xpathCache.Load(query); ok {
		return cached.(*xpath.Expr), nil
	}
	compiled, err := xpath.Compile(query)
	if err != nil {
		return nil, err
	}
	r.xpathCache.Store(query, compiled)
	return compiled, nil
}

func (r *Resolver) evalJSONPath(msg *message.Message, token, query string) (string, error) {
	doc, err := r.decodeJSON(msg)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "payload is not JSON", Err: err}
	}
	result, err := jsonpath.Get(query, doc)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "jsonpath", Err: err}
	}
	return r.format(token, result)
}

func (r *Resolver) evalJQ(ctx context.Context, msg *message.Message, token, query string) (string, error) {
	code, err := r.compileJQ(query)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "invalid jq", Err: err}
	}
	doc, err := r.decodeJSON(msg)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "payload is not JSON", Err: err}
	}

	iter := code.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return "", &errors.ResolutionError{Expression: token, Reason: "jq produced no output"}
	}
	if err, isErr := v.(error); isErr {
		return "", &errors.ResolutionError{Expression: token, Reason: "jq", Err: err}
	}
	return r.format(token, v)
}

func (r *Resolver) compileJQ(query string) (*gojq.Code, error) {
	if cached, ok := r.jqCache.Load(query); ok {
		return cached.(*gojq.Code), nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, err
	}
	r.jqCache.Store(query, code)
	return code, nil
}

func (r *Resolver) decodeJSON(msg *message.Message) (any, error) {
	var doc any
	if err := r.codec.Unmarshal(msg.Payload(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// format renders a query result: scalars as text, single-element lists as
// their element, anything else as compact JSON.
func (r *Resolver) format(token string, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", &errors.ResolutionError{Expression: token, Reason: "result is null"}
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case []any:
		if len(val) == 0 {
			return "", &errors.ResolutionError{Expression: token, Reason: "no match"}
		}
		if len(val) == 1 {
			return r.format(token, val[0])
		}
	}
	data, err := r.codec.Marshal(v)
	if err != nil {
		return "", &errors.ResolutionError{Expression: token, Reason: "encode result", Err: err}
	}
	return string(data), nil
}
