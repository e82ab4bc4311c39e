package classify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestClassify(t *testing.T) {
	c := New(Config{
		Scope:         mustURL(t, "https://app.example.com"),
		ExcludedHosts: DefaultExcludedHosts,
	})

	tests := []struct {
		name string
		req  Request
		want Class
	}{
		{"post is excluded", Request{Method: "POST", URL: mustURL(t, "https://app.example.com/api")}, Excluded},
		{"head is excluded", Request{Method: "HEAD", URL: mustURL(t, "https://app.example.com/")}, Excluded},
		{"extension scheme", Request{Method: "GET", URL: mustURL(t, "chrome-extension://abc/x.js")}, Excluded},
		{"excluded backend", Request{Method: "GET", URL: mustURL(t, "https://firestore.googleapis.com/v1/docs")}, Excluded},
		{"excluded backend subdomain", Request{Method: "GET", URL: mustURL(t, "https://eu.securetoken.googleapis.com/t")}, Excluded},
		{"navigation", Request{Method: "GET", URL: mustURL(t, "https://app.example.com/"), Mode: ModeNavigate, Destination: DestDocument}, Navigation},
		{"script", Request{Method: "GET", URL: mustURL(t, "https://app.example.com/app.js"), Mode: ModeNoCORS, Destination: DestScript}, StaticAsset},
		{"style", Request{Method: "GET", URL: mustURL(t, "https://app.example.com/s.css"), Destination: DestStyle}, StaticAsset},
		{"font", Request{Method: "GET", URL: mustURL(t, "https://fonts.example.net/a.woff2"), Destination: DestFont}, StaticAsset},
		{"image", Request{Method: "GET", URL: mustURL(t, "https://app.example.com/icon.png"), Destination: DestImage}, StaticAsset},
		{"generic", Request{Method: "GET", URL: mustURL(t, "https://app.example.com/data.json"), Mode: ModeCORS, Destination: DestEmpty}, Generic},
		{"cross origin without allowlist", Request{Method: "GET", URL: mustURL(t, "https://cdn.example.net/x"), Destination: DestEmpty}, Generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.req))
		})
	}
}

func TestClassify_CrossOriginAllowlist(t *testing.T) {
	c := New(Config{
		Scope:            mustURL(t, "https://app.example.com"),
		CrossOriginAllow: []string{"CDN.jsdelivr.net", " fonts.googleapis.com "},
	})

	assert.Equal(t, StaticAsset, c.Classify(Request{Method: "GET", URL: mustURL(t, "https://cdn.jsdelivr.net/npm/x.js"), Destination: DestScript}))
	assert.Equal(t, StaticAsset, c.Classify(Request{Method: "GET", URL: mustURL(t, "https://fonts.googleapis.com/css2"), Destination: DestStyle}))
	assert.Equal(t, Excluded, c.Classify(Request{Method: "GET", URL: mustURL(t, "https://tracker.example.org/p.gif"), Destination: DestImage}))
	assert.Equal(t, Generic, c.Classify(Request{Method: "GET", URL: mustURL(t, "https://app.example.com/api/list")}))
}

func TestFromHTTP(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		headers  map[string]string
		wantMode string
		wantDest string
	}{
		{
			name:     "fetch metadata wins",
			target:   "https://app.example.com/page",
			headers:  map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"},
			wantMode: ModeNavigate,
			wantDest: DestDocument,
		},
		{
			name:     "html accept infers navigation",
			target:   "https://app.example.com/",
			headers:  map[string]string{"Accept": "text/html,application/xhtml+xml"},
			wantMode: ModeNavigate,
			wantDest: DestDocument,
		},
		{
			name:     "extension infers script",
			target:   "https://app.example.com/static/app.js?v=3",
			wantMode: ModeNoCORS,
			wantDest: DestScript,
		},
		{
			name:     "origin header infers cors",
			target:   "https://app.example.com/fonts/inter.woff2",
			headers:  map[string]string{"Origin": "https://app.example.com"},
			wantMode: ModeCORS,
			wantDest: DestFont,
		},
		{
			name:     "image accept",
			target:   "https://app.example.com/avatar",
			headers:  map[string]string{"Accept": "image/avif,image/webp"},
			wantMode: ModeNoCORS,
			wantDest: DestImage,
		},
		{
			name:     "json is empty destination",
			target:   "https://app.example.com/api/tasks",
			headers:  map[string]string{"Accept": "application/json"},
			wantMode: ModeNoCORS,
			wantDest: DestEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			req := FromHTTP(r)
			assert.Equal(t, tt.wantMode, req.Mode)
			assert.Equal(t, tt.wantDest, req.Destination)
		})
	}
}

func TestRequest_AcceptsHTML(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "text/html,*/*")
	assert.True(t, Request{Header: h}.AcceptsHTML())
	assert.False(t, Request{Header: http.Header{}}.AcceptsHTML())
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "navigation", Navigation.String())
	assert.Equal(t, "static", StaticAsset.String())
	assert.Equal(t, "generic", Generic.String())
	assert.Equal(t, "excluded", Excluded.String())
}
