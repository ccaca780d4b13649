package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/registry"

	"github.com/google/uuid"
)

const (
	CodeUnknownFunction  xerrors.Code = "UNKNOWN_FUNCTION"
	CodeInvalidArguments xerrors.Code = "INVALID_ARGUMENTS"
)

// DefaultProxyPrefix is where the HTTP surface mounts per-endpoint routes.
const DefaultProxyPrefix = "/api/x402/"

func init() {
	xerrors.Register(CodeUnknownFunction, xerrors.Attributes{
		Message:  "unknown function",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
	xerrors.Register(CodeInvalidArguments, xerrors.Attributes{
		Message:  "invalid function arguments",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
}

// Catalog is the read side of the endpoint registry.
type Catalog interface {
	Get(id string) (registry.Endpoint, bool)
}

// Request is a fully built, not yet executed HTTP request.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   []byte
	Header http.Header
}

// FullURL returns the target URL including the encoded query.
func (r Request) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + r.Query.Encode()
}

// NewHTTPRequest materialises the request. Each call yields an independent
// body reader so the same Request can be sent more than once.
func (r Request) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.FullURL(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

// PendingAction is what the model asked for, validated and built but not run.
type PendingAction struct {
	ID         string
	EndpointID string
	Arguments  map[string]any
	Request    Request
	ProxyRoute string
	CreatedAt  time.Time
}

// Dispatcher turns function-call decisions into pending actions. It never
// performs network I/O.
type Dispatcher struct {
	catalog     Catalog
	proxyPrefix string
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithProxyPrefix overrides the route prefix used for ProxyRoute.
func WithProxyPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			d.proxyPrefix = prefix
		}
	}
}

// New returns a Dispatcher backed by catalog.
func New(catalog Catalog, opts ...Option) *Dispatcher {
	d := &Dispatcher{catalog: catalog, proxyPrefix: DefaultProxyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch validates rawArguments for functionName and builds the request.
func (d *Dispatcher) Dispatch(functionName string, rawArguments json.RawMessage) (*PendingAction, error) {
	endpoint, ok := d.catalog.Get(functionName)
	if !ok {
		return nil, xerrors.New(CodeUnknownFunction, fmt.Sprintf("function %q not found", functionName),
			xerrors.WithMetadata("function", functionName))
	}

	args, err := decodeArguments(rawArguments)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidArguments, err, "arguments must be a JSON object",
			xerrors.WithMetadata("function", functionName))
	}
	req, err := validateAndBuild(endpoint, args)
	if err != nil {
		return nil, err
	}

	return &PendingAction{
		ID:         uuid.NewString(),
		EndpointID: endpoint.ID,
		Arguments:  args,
		Request:    req,
		ProxyRoute: d.proxyPrefix + endpoint.ID,
		CreatedAt:  time.Now(),
	}, nil
}

// Rebind resolves action against the currently loaded catalog and rebuilds
// its request. A catalog reload may have removed the endpoint or changed its
// URL, method or schema since the action was proposed; the returned copy
// always reflects the live definition. The action ID is preserved.
func (d *Dispatcher) Rebind(action *PendingAction) (*PendingAction, registry.Endpoint, error) {
	if action == nil {
		return nil, registry.Endpoint{}, xerrors.New(CodeUnknownFunction, "no action")
	}
	endpoint, ok := d.catalog.Get(action.EndpointID)
	if !ok {
		return nil, registry.Endpoint{}, xerrors.New(CodeUnknownFunction,
			fmt.Sprintf("function %q is no longer available", action.EndpointID),
			xerrors.WithMetadata("function", action.EndpointID))
	}
	req, err := validateAndBuild(endpoint, action.Arguments)
	if err != nil {
		return nil, registry.Endpoint{}, err
	}
	rebound := *action
	rebound.Request = req
	rebound.ProxyRoute = d.proxyPrefix + endpoint.ID
	return &rebound, endpoint, nil
}

func validateAndBuild(endpoint registry.Endpoint, args map[string]any) (Request, error) {
	violations, err := endpoint.ValidateArguments(args)
	if err != nil {
		return Request{}, xerrors.Wrap(CodeInvalidArguments, err, "argument validation failed",
			xerrors.WithMetadata("function", endpoint.ID))
	}
	if len(violations) > 0 {
		return Request{}, xerrors.New(CodeInvalidArguments,
			fmt.Sprintf("invalid arguments for %s: %s", endpoint.ID, strings.Join(violations, "; ")),
			xerrors.WithMetadata("function", endpoint.ID))
	}
	req, err := BuildRequest(endpoint, args)
	if err != nil {
		return Request{}, xerrors.Wrap(CodeInvalidArguments, err, "build request",
			xerrors.WithMetadata("function", endpoint.ID))
	}
	return req, nil
}

// BuildRequest places args according to the endpoint's declared placement.
func BuildRequest(endpoint registry.Endpoint, args map[string]any) (Request, error) {
	req := Request{
		Method: endpoint.Method,
		URL:    endpoint.URL,
		Header: http.Header{},
	}
	req.Header.Set("Accept", "application/json")

	switch endpoint.Placement {
	case registry.PlacementBody:
		if args == nil {
			args = map[string]any{}
		}
		body, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("encode body: %w", err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	default:
		query, err := encodeQuery(args)
		if err != nil {
			return Request{}, err
		}
		req.Query = query
	}
	return req, nil
}

// Describe renders the proposal text shown before an action runs. It is
// derived from the endpoint, never from the model's raw arguments.
func Describe(endpoint registry.Endpoint) string {
	return fmt.Sprintf("I'll %s for you. This costs approximately %s.",
		strings.ToLower(endpoint.Name), endpoint.EstimatedCost)
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after arguments")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func encodeQuery(args map[string]any) (url.Values, error) {
	if len(args) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, key := range keys {
		switch v := args[key].(type) {
		case nil:
			continue
		case []any:
			for _, item := range v {
				s, err := scalarString(item)
				if err != nil {
					return nil, fmt.Errorf("query parameter %s: %w", key, err)
				}
				values.Add(key, s)
			}
		default:
			s, err := scalarString(v)
			if err != nil {
				return nil, fmt.Errorf("query parameter %s: %w", key, err)
			}
			values.Set(key, s)
		}
	}
	return values, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}
