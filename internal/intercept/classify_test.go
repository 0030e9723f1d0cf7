package intercept

import (
	"net/http"
	"testing"
)

// TestClassify verifies rule order and the pass-through cases.
func TestClassify(t *testing.T) {
	c := NewClassifier(mustParse(t, "http://localhost:5173"), "", nil, nil)

	tests := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Strategy
	}{
		{"api list", http.MethodGet, "http://localhost:5173/api/consults/?page=2", nil, NetworkFirst},
		{"api image", http.MethodGet, "http://localhost:5173/api/avatars/1.png", nil, NetworkFirst},
		{"image", http.MethodGet, "http://localhost:5173/img/Logo.PNG", nil, CacheFirst},
		{"icon", http.MethodGet, "http://localhost:5173/favicon.ico", nil, CacheFirst},
		{"script", http.MethodGet, "http://localhost:5173/assets/index-4f2a.js", nil, StaleWhileRevalidate},
		{"font", http.MethodGet, "http://localhost:5173/assets/inter.woff2", nil, StaleWhileRevalidate},
		{"asset on navigation", http.MethodGet, "http://localhost:5173/assets/app.css", map[string]string{"Sec-Fetch-Mode": "navigate"}, StaleWhileRevalidate},
		{"navigate", http.MethodGet, "http://localhost:5173/consults/12", map[string]string{"Sec-Fetch-Mode": "navigate"}, NavigationFallback},
		{"html accept", http.MethodGet, "http://localhost:5173/", map[string]string{"Accept": "text/html,*/*"}, NavigationFallback},
		{"other", http.MethodGet, "http://localhost:5173/manifest.json", nil, ShellCacheFirst},
		{"post", http.MethodPost, "http://localhost:5173/api/consults/", nil, PassThrough},
		{"head", http.MethodHead, "http://localhost:5173/", nil, PassThrough},
		{"cross origin", http.MethodGet, "https://fonts.example.com/inter.woff2", nil, PassThrough},
		{"other port", http.MethodGet, "http://localhost:8000/api/consults/", nil, PassThrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			if err != nil {
				t.Fatalf("NewRequest() failed: %v", err)
			}
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := c.Classify(req); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestClassifier_customExtensions verifies extensions are normalized.
func TestClassifier_customExtensions(t *testing.T) {
	c := NewClassifier(mustParse(t, "http://app.local"), "/v2/", []string{"AVIF"}, []string{".map"})

	tests := map[string]Strategy{
		"/photo.avif":    CacheFirst,
		"/photo.png":     ShellCacheFirst,
		"/app.js.map":    StaleWhileRevalidate,
		"/v2/consults":   NetworkFirst,
		"/api/consults/": ShellCacheFirst,
	}
	for p, want := range tests {
		req, _ := http.NewRequest(http.MethodGet, "http://app.local"+p, nil)
		if got := c.Classify(req); got != want {
			t.Errorf("Classify(%s) = %v, want %v", p, got, want)
		}
	}
}

// TestStrategy_String verifies strategy names used in logs.
func TestStrategy_String(t *testing.T) {
	if NetworkFirst.String() != "network-first" || Strategy(99).String() != "unknown" {
		t.Errorf("String() = %q, %q", NetworkFirst.String(), Strategy(99).String())
	}
}
