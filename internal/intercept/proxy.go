package intercept

import (
	"net/http"
	"net/http/httputil"
)

// Handler returns a reverse proxy to the origin that routes every request
// through the interceptor.
func (i *Interceptor) Handler() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(i.origin)
			r.SetXForwarded()
		},
		Transport: i,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			i.log.Warn("Upstream request failed", map[string]interface{}{
				"method": r.Method,
				"url":    r.URL.RequestURI(),
				"error":  err.Error(),
			})
			w.Header().Set(OfflineHeader, "1")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
