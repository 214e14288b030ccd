package registry

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/ollyhq/backend/internal/models"
)

// DeviceFromRequest fingerprints the caller from its User-Agent and source IP.
// Any field that cannot be parsed is left nil.
func DeviceFromRequest(r *http.Request) models.Device {
	var d models.Device
	d.IPAddress = optional(ClientIP(r))

	raw := r.UserAgent()
	if strings.TrimSpace(raw) == "" {
		return d
	}
	ua := useragent.New(raw)

	deviceType := "desktop"
	switch {
	case ua.Bot():
		deviceType = "bot"
	case ua.Mobile():
		deviceType = "mobile"
	}
	d.DeviceType = &deviceType

	model := ua.Model()
	if model == "" {
		model = ua.Platform()
	}
	d.DeviceModel = optional(model)

	osInfo := ua.OSInfo()
	d.OSName = optional(osInfo.Name)
	d.OSVersion = optional(osInfo.Version)

	browser, version := ua.Browser()
	d.Browser = optional(browser)
	d.BrowserVersion = optional(version)
	return d
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
