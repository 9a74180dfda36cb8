package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func localeFor(t *testing.T, headers map[string]string, fallback string) string {
	t.Helper()
	var got string
	h := I18N(fallback)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestI18NLocaleDetection(t *testing.T) {
	cases := []struct {
		name     string
		headers  map[string]string
		fallback string
		want     string
	}{
		{"x-locale wins", map[string]string{"X-Locale": "zh-CN", "Accept-Language": "en-US"}, "en", "zh"},
		{"accept-language", map[string]string{"Accept-Language": "zh-TW,zh;q=0.9"}, "en", "zh"},
		{"accept-language english", map[string]string{"Accept-Language": "en-GB,en;q=0.8"}, "zh", "en"},
		{"unsupported falls back", map[string]string{"X-Locale": "xx-bogus"}, "en", "en"},
		{"no headers uses fallback", nil, "zh", "zh"},
		{"no headers no fallback", nil, "", "en"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := localeFor(t, tc.headers, tc.fallback); got != tc.want {
				t.Fatalf("locale = %q, want %q", got, tc.want)
			}
		})
	}
}
