package core

import (
	"net/url"
	"strings"

	"github.com/factorialio/scotty/internal/apptypes"
)

// LandingResult is the outcome of resolving a Host header against the
// registry's known apps, per spec §6's landing/redirect rule.
type LandingResult struct {
	Found   bool
	Running bool
	AppName string
}

// ResolveLanding looks up host against every known app's published domains.
// An unknown hostname reports Found=false (the caller answers 404); a known
// hostname for an app that is not currently Running reports Running=false
// (the caller issues the landing redirect); a known, running hostname
// reports Running=true (the caller proxies through as normal, outside this
// module's scope).
func (c *Container) ResolveLanding(host string) LandingResult {
	host = strings.ToLower(strings.TrimSpace(host))

	for _, app := range c.Registry.List() {
		if !appOwnsHost(app, host) {
			continue
		}

		return LandingResult{Found: true, Running: app.Status == apptypes.StatusRunning, AppName: app.Name}
	}

	return LandingResult{}
}

func appOwnsHost(app *apptypes.App, host string) bool {
	if app.Settings != nil && strings.EqualFold(app.Settings.Domain, host) {
		return true
	}

	for _, svc := range app.Services {
		for _, domain := range svc.Domains {
			if strings.EqualFold(domain, host) {
				return true
			}
		}
	}

	return false
}

// LandingRedirectURL builds the /landing/<app>?return_url=<original> target
// on baseURL that a 302 response points at.
func LandingRedirectURL(baseURL, appName, returnURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")

	values := url.Values{}
	values.Set("return_url", returnURL)

	return trimmed + "/landing/" + url.PathEscape(appName) + "?" + values.Encode()
}
