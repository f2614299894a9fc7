package ipchecker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsMalformedSubnet(t *testing.T) {
	_, err := New("10.0.0.0/33")
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	checker, err := New("", WithProxyHeaders(true))
	require.NoError(t, err)

	testCases := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
		wantErr    bool
	}{
		{name: "x-real-ip wins", headers: map[string]string{"X-Real-IP": "10.0.0.7", "X-Forwarded-For": "10.0.0.8"}, remoteAddr: "192.0.2.1:1234", expected: "10.0.0.7"},
		{name: "first forwarded address", headers: map[string]string{"X-Forwarded-For": "10.0.0.8, 172.16.0.1"}, remoteAddr: "192.0.2.1:1234", expected: "10.0.0.8"},
		{name: "remote address", remoteAddr: "192.0.2.1:1234", expected: "192.0.2.1"},
		{name: "garbage forwarded header", headers: map[string]string{"X-Forwarded-For": "nope"}, remoteAddr: "192.0.2.1:1234", wantErr: true},
		{name: "garbage remote address", remoteAddr: "nope", wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
			request.RemoteAddr = testCase.remoteAddr
			for key, value := range testCase.headers {
				request.Header.Set(key, value)
			}

			ip, err := checker.GetClientIP(request)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, ip.String())
		})
	}
}

func TestGetClientIPIgnoresHeadersWithoutProxy(t *testing.T) {
	checker, err := New("10.0.0.0/24")
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
	request.RemoteAddr = "192.0.2.1:1234"
	request.Header.Set("X-Real-IP", "10.0.0.7")
	request.Header.Set("X-Forwarded-For", "10.0.0.8")

	ip, err := checker.GetClientIP(request)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", ip.String())
}

func TestTrustedSubnetOnly(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	testCases := []struct {
		name       string
		subnet     string
		trustProxy bool
		remoteAddr string
		realIP     string
		expected   int
	}{
		{name: "inside subnet via proxy", subnet: "10.0.0.0/24", trustProxy: true, remoteAddr: "192.0.2.1:1234", realIP: "10.0.0.42", expected: http.StatusOK},
		{name: "outside subnet via proxy", subnet: "10.0.0.0/24", trustProxy: true, remoteAddr: "192.0.2.1:1234", realIP: "10.0.1.42", expected: http.StatusForbidden},
		{name: "spoofed header without proxy", subnet: "10.0.0.0/24", remoteAddr: "192.0.2.1:1234", realIP: "10.0.0.42", expected: http.StatusForbidden},
		{name: "direct peer inside subnet", subnet: "10.0.0.0/24", remoteAddr: "10.0.0.9:1234", expected: http.StatusOK},
		{name: "no subnet configured", subnet: "", trustProxy: true, remoteAddr: "10.0.0.9:1234", realIP: "10.0.0.42", expected: http.StatusForbidden},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			checker, err := New(testCase.subnet, WithProxyHeaders(testCase.trustProxy))
			require.NoError(t, err)

			request := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
			request.RemoteAddr = testCase.remoteAddr
			if testCase.realIP != "" {
				request.Header.Set("X-Real-IP", testCase.realIP)
			}
			recorder := httptest.NewRecorder()
			checker.TrustedSubnetOnly(ok).ServeHTTP(recorder, request)

			assert.Equal(t, testCase.expected, recorder.Code)
		})
	}
}
