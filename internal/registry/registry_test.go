package registry

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	xerrors "X402-Agent/internal/errors"
)

const sampleCatalog = `
endpoints:
  - id: qr_generator
    name: Generate QR Code
    description: Make a QR code.
    url: https://qr.example.com/qr
    method: get
    estimated_cost: "$0.01 USDC"
    result_kind: qr-code
    parameters:
      type: object
      properties:
        data: {type: string}
      required: [data]
  - id: gif_search
    name: Search GIFs
    url: https://gif.example.com/search
    method: POST
    estimated_cost: "$0.01 USDC"
    result_kind: gif
`

func TestLoadAndLookup(t *testing.T) {
	reg := New()
	defs, err := reg.Load(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(defs))
	}

	qr, ok := reg.Get("qr_generator")
	if !ok {
		t.Fatalf("expected qr_generator to be registered")
	}
	if qr.Method != "GET" || qr.Placement != PlacementQuery {
		t.Fatalf("unexpected normalisation: %+v", qr)
	}
	gif, _ := reg.Get("gif_search")
	if gif.Placement != PlacementBody {
		t.Fatalf("POST endpoints default to body placement, got %s", gif.Placement)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("unexpected endpoint")
	}

	sigs := reg.FunctionSignatures()
	if len(sigs) != 2 || sigs[0].Name != "qr_generator" {
		t.Fatalf("unexpected signatures: %+v", sigs)
	}
	if !strings.Contains(sigs[0].Description, "$0.01 USDC") {
		t.Fatalf("description should mention cost: %q", sigs[0].Description)
	}
	if sigs[1].Description != "Search GIFs (Cost: $0.01 USDC)" {
		t.Fatalf("name should stand in for a missing description: %q", sigs[1].Description)
	}
	if sigs[1].Parameters["type"] != "object" {
		t.Fatalf("missing schema should default to an empty object schema")
	}
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"duplicate id": `
endpoints:
  - {id: a, name: A, url: "https://a.example.com", method: GET}
  - {id: a, name: B, url: "https://b.example.com", method: GET}
`,
		"missing url": `
endpoints:
  - {id: a, name: A, method: GET}
`,
		"bad method": `
endpoints:
  - {id: a, name: A, url: "https://a.example.com", method: TRACE}
`,
		"bad placement": `
endpoints:
  - {id: a, name: A, url: "https://a.example.com", method: GET, placement: header}
`,
		"bad result kind": `
endpoints:
  - {id: a, name: A, url: "https://a.example.com", method: GET, result_kind: video}
`,
		"relative url": `
endpoints:
  - {id: a, name: A, url: "/local", method: GET}
`,
		"bad schema": `
endpoints:
  - id: a
    name: A
    url: "https://a.example.com"
    method: GET
    parameters: {type: 12}
`,
		"malformed yaml": "endpoints: [",
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			reg := New()
			if _, err := reg.Load(strings.NewReader(sampleCatalog)); err != nil {
				t.Fatalf("seed load: %v", err)
			}
			before := reg.Snapshot()

			_, err := reg.Load(strings.NewReader(doc))
			if err == nil {
				t.Fatalf("expected load to fail")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfig {
				t.Fatalf("expected CONFIG_ERROR, got %s", xerrors.CodeOf(err))
			}
			if reg.Snapshot() != before {
				t.Fatalf("failed load must keep the previous catalog installed")
			}
			if _, ok := reg.Get("qr_generator"); !ok {
				t.Fatalf("previous catalog lost")
			}
		})
	}
}

func TestValidateArguments(t *testing.T) {
	reg := New()
	if _, err := reg.Load(strings.NewReader(sampleCatalog)); err != nil {
		t.Fatalf("load: %v", err)
	}
	qr, _ := reg.Get("qr_generator")

	violations, err := qr.ValidateArguments(map[string]any{"data": "https://example.com"})
	if err != nil || len(violations) != 0 {
		t.Fatalf("expected valid arguments, got %v %v", violations, err)
	}

	violations, err = qr.ValidateArguments(map[string]any{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) == 0 {
		t.Fatalf("expected missing data to be reported")
	}

	violations, _ = qr.ValidateArguments(map[string]any{"data": 42})
	if len(violations) == 0 {
		t.Fatalf("expected type violation")
	}
}

func TestReturnedParametersAreCopies(t *testing.T) {
	reg := New()
	if _, err := reg.Load(strings.NewReader(sampleCatalog)); err != nil {
		t.Fatalf("load: %v", err)
	}

	qr, _ := reg.Get("qr_generator")
	qr.Parameters["type"] = "array"
	qr.Parameters["properties"].(map[string]any)["data"] = map[string]any{"type": "integer"}
	qr.Parameters["required"].([]any)[0] = "other"

	sigs := reg.FunctionSignatures()
	sigs[0].Parameters["type"] = "string"
	reg.Endpoints()[0].Parameters["type"] = "null"

	fresh, _ := reg.Get("qr_generator")
	if fresh.Parameters["type"] != "object" {
		t.Fatalf("catalog schema was mutated through a returned value: %v", fresh.Parameters)
	}
	data := fresh.Parameters["properties"].(map[string]any)["data"].(map[string]any)
	if data["type"] != "string" || fresh.Parameters["required"].([]any)[0] != "data" {
		t.Fatalf("nested schema was mutated: %v", fresh.Parameters)
	}
	if reg.FunctionSignatures()[0].Parameters["type"] != "object" {
		t.Fatalf("signature schema was mutated")
	}
	if violations, err := fresh.ValidateArguments(map[string]any{"data": "hi"}); err != nil || len(violations) != 0 {
		t.Fatalf("validation should be unaffected: %v %v", violations, err)
	}
}

func TestInstallDetachesCallerDefinitions(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	reg := New()
	if _, err := reg.Install([]Endpoint{{ID: "a", Name: "A", URL: "https://a.example.com", Method: "GET", Parameters: params}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	params["type"] = "string"
	if got, _ := reg.Get("a"); got.Parameters["type"] != "object" {
		t.Fatalf("installed catalog must not share the caller's map: %v", got.Parameters)
	}
}

func TestReloadIsAtomic(t *testing.T) {
	reg := New()
	if _, err := reg.Load(strings.NewReader(sampleCatalog)); err != nil {
		t.Fatalf("load: %v", err)
	}
	replacement := `
endpoints:
  - {id: only, name: Only, url: "https://only.example.com", method: GET}
`

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := reg.Snapshot().Len()
				if n != 1 && n != 2 {
					t.Errorf("observed partial catalog of size %d", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		doc := sampleCatalog
		if i%2 == 0 {
			doc = replacement
		}
		if _, err := reg.Load(strings.NewReader(doc)); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestShippedCatalogLoads(t *testing.T) {
	_, file, _, _ := runtime.Caller(0)
	path := filepath.Join(filepath.Dir(file), "..", "..", "configs", "endpoints.yaml")

	reg := New()
	defs, err := reg.LoadFile(path)
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	if len(defs) < 5 {
		t.Fatalf("expected the shipped catalog to list the paid endpoints, got %d", len(defs))
	}
	for _, id := range []string{"qr_generator", "gif_search", "polymarket_events"} {
		if _, ok := reg.Get(id); !ok {
			t.Fatalf("shipped catalog is missing %s", id)
		}
	}
}
