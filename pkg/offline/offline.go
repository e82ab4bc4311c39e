// Package offline synthesizes the degraded responses served when neither
// the network nor the store can answer.
package offline

import (
	"bytes"
	"html/template"
	"io"
	"net/http"
	"strconv"

	"github.com/yosssi/gohtml"
)

const pageTemplate = `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>{{.Title}} - offline</title><style>body{font-family:system-ui,sans-serif;margin:0;display:flex;min-height:100vh;align-items:center;justify-content:center;background:#f5f5f5;color:#333}main{text-align:center;padding:2rem}button{margin-top:1rem;padding:.5rem 1.5rem}</style></head><body><main><h1>You are offline</h1><p>{{.Title}} cannot reach the network right now. Pages you opened before are still available.</p><button onclick="location.reload()">Try again</button></main></body></html>`

// Placeholder image returned for failed image requests.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="192" height="192" viewBox="0 0 192 192"><rect width="192" height="192" rx="24" fill="#d0d0d0"/><path d="M48 136l32-40 24 28 16-20 24 32z" fill="#9a9a9a"/><circle cx="128" cy="68" r="14" fill="#9a9a9a"/></svg>`

// Provider serves the offline page and the image placeholder. Both bodies
// are computed once, so every response is byte-identical.
type Provider struct {
	page        []byte
	placeholder []byte
}

// New renders the offline page for an application called title.
func New(title string) (*Provider, error) {
	if title == "" {
		title = "This application"
	}
	tmpl, err := template.New("offline").Parse(pageTemplate)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Title string }{title}); err != nil {
		return nil, err
	}
	return &Provider{
		page:        gohtml.FormatBytes(buf.Bytes()),
		placeholder: []byte(placeholderSVG),
	}, nil
}

// Page returns a fresh response carrying the offline document.
func (p *Provider) Page(req *http.Request) *http.Response {
	return respond(req, p.page, "text/html; charset=utf-8")
}

// Placeholder returns a fresh response carrying the default image.
func (p *Provider) Placeholder(req *http.Request) *http.Response {
	return respond(req, p.placeholder, "image/svg+xml")
}

// PageBytes returns a copy of the offline document.
func (p *Provider) PageBytes() []byte {
	return append([]byte(nil), p.page...)
}

func respond(req *http.Request, body []byte, contentType string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
