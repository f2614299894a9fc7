// Package ipchecker restricts routes to clients from a trusted subnet.
// The client address is the connection's own unless proxy headers are
// trusted, in which case X-Real-IP and X-Forwarded-For take precedence.
package ipchecker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/patric-chuzhbe/gram/internal/logger"
)

// IPChecker extracts a client's IP address from an HTTP request and
// validates whether it belongs to a trusted subnet.
type IPChecker struct {
	trustedSubnet     *net.IPNet
	trustProxyHeaders bool
}

type Option func(*IPChecker)

// WithProxyHeaders makes GetClientIP honor X-Real-IP and X-Forwarded-For.
// Enable it only behind a reverse proxy that overwrites those headers.
func WithProxyHeaders(trust bool) Option {
	return func(checker *IPChecker) {
		checker.trustProxyHeaders = trust
	}
}

// New creates an IPChecker for trustedSubnet, given in CIDR notation
// (e.g. "192.168.1.0/24"). An empty trustedSubnet trusts nobody.
func New(trustedSubnet string, options ...Option) (*IPChecker, error) {
	checker := &IPChecker{}
	for _, option := range options {
		option(checker)
	}
	if trustedSubnet == "" {
		return checker, nil
	}

	_, allowedNet, err := net.ParseCIDR(trustedSubnet)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/New(): error while `net.ParseCIDR()` calling: %w", err)
	}
	checker.trustedSubnet = allowedNet

	return checker, nil
}

// Check reports whether clientIP belongs to the trusted subnet.
func (checker *IPChecker) Check(clientIP net.IP) bool {
	return checker.trustedSubnet != nil && clientIP != nil && checker.trustedSubnet.Contains(clientIP)
}

// GetClientIP returns the address of the peer. With proxy headers trusted,
// "X-Real-IP" and then the first "X-Forwarded-For" entry win over RemoteAddr.
func (checker *IPChecker) GetClientIP(request *http.Request) (net.IP, error) {
	if checker.trustProxyHeaders {
		if ip := net.ParseIP(strings.TrimSpace(request.Header.Get("X-Real-IP"))); ip != nil {
			return ip, nil
		}
		if xff := request.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip, nil
			}
			return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/GetClientIP(): malformed X-Forwarded-For %q", xff)
		}
	}

	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/GetClientIP(): error while `net.SplitHostPort()` calling: %w", err)
	}
	return net.ParseIP(host), nil
}

// IsTrustedSubnetEmpty returns true if the IPChecker was initialized
// without a trusted subnet.
func (checker *IPChecker) IsTrustedSubnetEmpty() bool {
	return checker.trustedSubnet == nil
}

// TrustedSubnetOnly answers 403 to every client outside the trusted subnet.
func (checker *IPChecker) TrustedSubnetOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		clientIP, err := checker.GetClientIP(request)
		if err != nil {
			logger.Log.Debugw("client ip not determined", "error", err)
		}
		if checker.IsTrustedSubnetEmpty() || !checker.Check(clientIP) {
			response.Header().Set("Content-Type", "application/json")
			response.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(response, `{"detail":"Forbidden"}`)
			return
		}

		h.ServeHTTP(response, request)
	})
}
