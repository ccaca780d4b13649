package registry

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	xerrors "X402-Agent/internal/errors"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Placement declares where a dispatched call carries its arguments.
type Placement string

const (
	PlacementQuery Placement = "query"
	PlacementBody  Placement = "body"
)

// ResultKind is the declared shape of an endpoint's successful response.
// An empty kind means the classifier has to sniff the body.
type ResultKind string

const (
	ResultUnspecified ResultKind = ""
	ResultText        ResultKind = "text"
	ResultStructured  ResultKind = "structured"
	ResultImage       ResultKind = "image"
	ResultQRCode      ResultKind = "qr-code"
	ResultGIF         ResultKind = "gif"
	ResultMarket      ResultKind = "market"
)

var validResultKinds = map[ResultKind]struct{}{
	ResultUnspecified: {},
	ResultText:        {},
	ResultStructured:  {},
	ResultImage:       {},
	ResultQRCode:      {},
	ResultGIF:         {},
	ResultMarket:      {},
}

var validMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"PATCH":  {},
	"DELETE": {},
}

// Endpoint describes one paid HTTP API the model may call. Values handed out
// by the registry are deep copies of an immutable snapshot entry, so callers
// may modify Parameters and Tags freely.
type Endpoint struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	URL           string         `yaml:"url" json:"url"`
	Method        string         `yaml:"method" json:"method"`
	Placement     Placement      `yaml:"placement" json:"placement"`
	Parameters    map[string]any `yaml:"parameters" json:"parameters"`
	EstimatedCost string         `yaml:"estimated_cost" json:"estimatedCost"`
	ResultKind    ResultKind     `yaml:"result_kind" json:"resultKind,omitempty"`
	Tags          []string       `yaml:"tags" json:"tags,omitempty"`

	schema *gojsonschema.Schema
}

// FunctionSignature is the projection of an Endpoint handed to the model.
type FunctionSignature struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ValidateArguments checks args against the endpoint's compiled parameter
// schema. The returned slice lists human readable violations.
func (e Endpoint) ValidateArguments(args map[string]any) ([]string, error) {
	if e.schema == nil {
		return nil, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, fmt.Errorf("validate arguments for %s: %w", e.ID, err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, nil
}

// Catalog is an immutable, validated set of endpoints.
type Catalog struct {
	endpoints  []Endpoint
	byID       map[string]int
	signatures []FunctionSignature
	loadedAt   time.Time
}

// Len reports the number of endpoints in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.endpoints)
}

// LoadedAt returns when the catalog was installed.
func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

type document struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Registry exposes the current catalog through an atomically swapped
// pointer. A failed load never replaces the installed catalog.
type Registry struct {
	current atomic.Pointer[Catalog]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&Catalog{byID: map[string]int{}})
	return r
}

// LoadFile reads and installs the catalog stored at path.
func (r *Registry) LoadFile(path string) ([]Endpoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "endpoint catalog path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "read endpoint catalog")
	}
	return r.Load(bytes.NewReader(content))
}

// Load parses a YAML (or JSON) catalog from src, validates it and installs
// it as the current snapshot.
func (r *Registry) Load(src io.Reader) ([]Endpoint, error) {
	content, err := io.ReadAll(src)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "read endpoint catalog")
	}
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "parse endpoint catalog")
	}
	return r.Install(doc.Endpoints)
}

// Install validates defs and atomically replaces the current catalog.
func (r *Registry) Install(defs []Endpoint) ([]Endpoint, error) {
	catalog, err := build(defs)
	if err != nil {
		return nil, err
	}
	r.current.Store(catalog)
	return r.Endpoints(), nil
}

// Snapshot returns the catalog currently installed.
func (r *Registry) Snapshot() *Catalog {
	return r.current.Load()
}

// Get looks up an endpoint by id.
func (r *Registry) Get(id string) (Endpoint, bool) {
	catalog := r.current.Load()
	idx, ok := catalog.byID[id]
	if !ok {
		return Endpoint{}, false
	}
	return catalog.endpoints[idx].clone(), true
}

// Endpoints lists the installed endpoints in catalog order.
func (r *Registry) Endpoints() []Endpoint {
	catalog := r.current.Load()
	out := make([]Endpoint, len(catalog.endpoints))
	for i, e := range catalog.endpoints {
		out[i] = e.clone()
	}
	return out
}

// FunctionSignatures returns the model-facing projection of the catalog.
func (r *Registry) FunctionSignatures() []FunctionSignature {
	catalog := r.current.Load()
	out := make([]FunctionSignature, len(catalog.signatures))
	for i, sig := range catalog.signatures {
		sig.Parameters = cloneSchema(sig.Parameters)
		out[i] = sig
	}
	return out
}

func build(defs []Endpoint) (*Catalog, error) {
	catalog := &Catalog{
		endpoints:  make([]Endpoint, 0, len(defs)),
		byID:       make(map[string]int, len(defs)),
		signatures: make([]FunctionSignature, 0, len(defs)),
		loadedAt:   time.Now(),
	}
	for i, def := range defs {
		normalised, err := normalise(def)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("endpoint #%d", i+1),
				xerrors.WithMetadata("endpoint", def.ID))
		}
		if _, dup := catalog.byID[normalised.ID]; dup {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("duplicate endpoint id %q", normalised.ID),
				xerrors.WithMetadata("endpoint", normalised.ID))
		}
		catalog.byID[normalised.ID] = len(catalog.endpoints)
		catalog.endpoints = append(catalog.endpoints, normalised)
		catalog.signatures = append(catalog.signatures, signatureOf(normalised))
	}
	return catalog, nil
}

func normalise(def Endpoint) (Endpoint, error) {
	def.ID = strings.TrimSpace(def.ID)
	def.Name = strings.TrimSpace(def.Name)
	def.URL = strings.TrimSpace(def.URL)
	def.Method = strings.ToUpper(strings.TrimSpace(def.Method))

	var missing []string
	if def.ID == "" {
		missing = append(missing, "id")
	}
	if def.Name == "" {
		missing = append(missing, "name")
	}
	if def.URL == "" {
		missing = append(missing, "url")
	}
	if def.Method == "" {
		missing = append(missing, "method")
	}
	if len(missing) > 0 {
		return Endpoint{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if _, ok := validMethods[def.Method]; !ok {
		return Endpoint{}, fmt.Errorf("unsupported method %q", def.Method)
	}
	parsed, err := url.Parse(def.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid url %q", def.URL)
	}

	switch def.Placement {
	case "":
		def.Placement = defaultPlacement(def.Method)
	case PlacementQuery, PlacementBody:
	default:
		return Endpoint{}, fmt.Errorf("invalid placement %q", def.Placement)
	}

	def.ResultKind = ResultKind(strings.ToLower(string(def.ResultKind)))
	if _, ok := validResultKinds[def.ResultKind]; !ok {
		return Endpoint{}, fmt.Errorf("invalid result kind %q", def.ResultKind)
	}

	// 与调用方的定义断开引用，快照安装后不可变。
	def.Parameters = cloneSchema(def.Parameters)
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return Endpoint{}, fmt.Errorf("compile parameter schema: %w", err)
	}
	def.schema = schema

	if strings.TrimSpace(def.EstimatedCost) == "" {
		def.EstimatedCost = "unknown cost"
	}
	def.Tags = append([]string(nil), def.Tags...)
	sort.Strings(def.Tags)
	return def, nil
}

func defaultPlacement(method string) Placement {
	switch method {
	case "GET", "DELETE":
		return PlacementQuery
	default:
		return PlacementBody
	}
}

func (e Endpoint) clone() Endpoint {
	e.Parameters = cloneSchema(e.Parameters)
	e.Tags = append([]string(nil), e.Tags...)
	return e
}

func cloneSchema(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneSchema(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func signatureOf(def Endpoint) FunctionSignature {
	description := strings.TrimSpace(def.Description)
	if description == "" {
		description = def.Name
	}
	return FunctionSignature{
		Name:        def.ID,
		Description: fmt.Sprintf("%s (Cost: %s)", description, def.EstimatedCost),
		Parameters:  cloneSchema(def.Parameters),
	}
}
