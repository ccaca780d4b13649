// Package classify turns an endpoint's raw success body into something the
// conversation can render: plain text, an image, market data or generic
// structured data. The endpoint's declared result kind decides; sniffing the
// body shape is only a fallback for endpoints that declare nothing.
package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"X402-Agent/internal/registry"
)

// Kind is the rendered category of a result.
type Kind string

const (
	KindText       Kind = "text"
	KindStructured Kind = "structured"
	KindImage      Kind = "image"
	KindMarket     Kind = "market"
)

// Image subtypes.
const (
	SubtypeQRCode = "qr-code"
	SubtypeImage  = "image"
	SubtypeGIF    = "gif"
)

// Image is either inline data or a remote URL.
type Image struct {
	DataURL string `json:"dataUrl,omitempty"`
	URL     string `json:"url,omitempty"`
	Subtype string `json:"subtype"`
}

// Source returns whichever of DataURL or URL is set.
func (i Image) Source() string {
	if i.DataURL != "" {
		return i.DataURL
	}
	return i.URL
}

// Result is a classified response body.
type Result struct {
	Kind     Kind
	Text     string
	Images   []Image
	Raw      []byte
	Pretty   string
	Headline string
}

// Classify never fails: bodies that are not JSON become structured results
// carrying the raw bytes as text.
func Classify(hint registry.ResultKind, endpointName string, body []byte) Result {
	res := Result{Raw: body, Pretty: pretty(body)}

	var doc any
	decoded := json.Unmarshal(body, &doc) == nil
	obj, _ := doc.(map[string]any)

	switch hint {
	case registry.ResultImage, registry.ResultQRCode:
		if img, ok := inlineImage(obj); ok {
			return res.image(img, qrHeadline(obj))
		}
		if img, ok := linkedImage(obj); ok {
			return res.image(img, "Image generated successfully.")
		}
		return res.structured(fmt.Sprintf("Result from %s. Check technical details for full response.", endpointName))
	case registry.ResultGIF:
		if img, ok := mediaResult(obj, SubtypeGIF); ok {
			return res.image(img, fmt.Sprintf("Here's what %s found.", endpointName))
		}
		return res.structured(fmt.Sprintf("%s returned no media. Expand technical details to see the full response.", endpointName))
	case registry.ResultMarket:
		res.Kind = KindMarket
		res.Headline = fmt.Sprintf("Market data retrieved from %s. See the data below.", endpointName)
		return res
	case registry.ResultText:
		if text, ok := textOf(doc, obj); ok {
			return res.text(text)
		}
		if !decoded && len(bytes.TrimSpace(body)) > 0 {
			return res.text(strings.TrimSpace(string(body)))
		}
		return res.structured(dataHeadline(endpointName))
	case registry.ResultStructured:
		return res.structured(dataHeadline(endpointName))
	}

	if !decoded {
		res.Text = string(body)
		return res.structured(dataHeadline(endpointName))
	}
	if img, ok := inlineImage(obj); ok {
		return res.image(img, qrHeadline(obj))
	}
	if img, ok := mediaResult(obj, ""); ok {
		return res.image(img, fmt.Sprintf("Here's what %s found.", endpointName))
	}
	if text, ok := textOf(doc, obj); ok {
		return res.text(text)
	}
	return res.structured(dataHeadline(endpointName))
}

func (r Result) image(img Image, headline string) Result {
	r.Kind = KindImage
	r.Images = []Image{img}
	r.Headline = headline
	return r
}

func (r Result) text(text string) Result {
	r.Kind = KindText
	r.Text = text
	r.Headline = text
	return r
}

func (r Result) structured(headline string) Result {
	r.Kind = KindStructured
	r.Headline = headline
	return r
}

func dataHeadline(name string) string {
	return fmt.Sprintf("Data received from %s. Expand technical details to see the full response.", name)
}

func qrHeadline(obj map[string]any) string {
	if target := stringField(obj, "url"); target != "" {
		return fmt.Sprintf("I've generated your QR code for %s.", target)
	}
	return "I've generated your QR code."
}

func inlineImage(obj map[string]any) (Image, bool) {
	data := stringField(obj, "qr_code")
	if strings.HasPrefix(data, "data:image") {
		return Image{DataURL: data, Subtype: SubtypeQRCode}, true
	}
	return Image{}, false
}

func linkedImage(obj map[string]any) (Image, bool) {
	for _, key := range []string{"url", "image_url", "qr_code_url"} {
		if link := stringField(obj, key); link != "" {
			return Image{URL: link, Subtype: SubtypeImage}, true
		}
	}
	return Image{}, false
}

// mediaResult picks results[0].url. An empty subtype guesses from the URL.
func mediaResult(obj map[string]any, subtype string) (Image, bool) {
	items, _ := obj["results"].([]any)
	if len(items) == 0 {
		return Image{}, false
	}
	first, _ := items[0].(map[string]any)
	link := stringField(first, "url")
	if link == "" {
		return Image{}, false
	}
	if subtype == "" {
		subtype = SubtypeImage
		if strings.Contains(strings.ToLower(link), ".gif") {
			subtype = SubtypeGIF
		}
	}
	return Image{URL: link, Subtype: subtype}, true
}

func textOf(doc any, obj map[string]any) (string, bool) {
	if s, ok := doc.(string); ok {
		return s, true
	}
	for _, key := range []string{"result", "message", "text"} {
		if s := stringField(obj, key); s != "" {
			return s, true
		}
	}
	return "", false
}

func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

func pretty(body []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return string(body)
	}
	return buf.String()
}
