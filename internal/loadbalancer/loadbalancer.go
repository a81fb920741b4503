// Package loadbalancer implements the load-balancer renderer (C9): a pure
// function that turns an app's settings and resolved environment into a
// compose override document attaching either Traefik labels or HAProxy
// environment variables.
//
// Grounded on original_source/scotty/src/docker/loadbalancer/{traefik,haproxy}.rs
// for the exact label and environment-variable semantics; deterministic
// output ordering follows pkg/config/config.go's pattern of encoding
// explicit struct fields rather than relying on map iteration order — here
// achieved additionally by gopkg.in/yaml.v3's sorted-key map marshaling.
package loadbalancer

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/factorialio/scotty/internal/apptypes"
)

// Flavor selects which load balancer's override shape to render.
type Flavor string

const (
	Traefik Flavor = "traefik"
	HAProxy Flavor = "haproxy"
)

// GlobalSettings holds the load-balancer-wide configuration needed to
// render an override, independent of any one app.
type GlobalSettings struct {
	TraefikNetwork      string
	TraefikUseTLS       bool
	TraefikCertResolver string
	HAProxyUseTLS       bool
}

// NetworkConfig is one entry of a compose override's top-level networks map.
type NetworkConfig struct {
	External bool `yaml:"external"`
}

// ServiceOverride is one entry of a compose override's services map.
type ServiceOverride struct {
	Labels      map[string]string `yaml:"labels,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
}

// ComposeOverride is the full override document produced by Render.
type ComposeOverride struct {
	Services map[string]ServiceOverride `yaml:"services"`
	Networks map[string]NetworkConfig   `yaml:"networks,omitempty"`
}

// Render produces a compose override for appName under flavor, given the
// app's settings and its already-resolved (secrets expanded) environment.
func Render(flavor Flavor, global GlobalSettings, appName string, settings apptypes.AppSettings, resolvedEnvironment map[string]string) (ComposeOverride, error) {
	switch flavor {
	case Traefik:
		return renderTraefik(global, appName, settings, resolvedEnvironment)
	case HAProxy:
		return renderHAProxy(global, appName, settings, resolvedEnvironment)
	default:
		return ComposeOverride{}, fmt.Errorf("unknown load balancer flavor %q", flavor)
	}
}

func renderTraefik(global GlobalSettings, appName string, settings apptypes.AppSettings, resolvedEnvironment map[string]string) (ComposeOverride, error) {
	override := ComposeOverride{
		Services: make(map[string]ServiceOverride, len(settings.PublicServices)),
		Networks: map[string]NetworkConfig{
			global.TraefikNetwork: {External: true},
		},
	}

	for _, svc := range settings.PublicServices {
		serviceName := fmt.Sprintf("%s--%s", svc.Service, appName)

		labels := map[string]string{
			"traefik.enable": "true",
		}

		domains := svc.Domains
		if len(domains) == 0 {
			domains = []string{fmt.Sprintf("%s.%s", svc.Service, settings.Domain)}
		}

		for i, domain := range domains {
			labels[fmt.Sprintf("traefik.http.routers.%s-%d.rule", serviceName, i)] = fmt.Sprintf("Host(`%s`)", domain)

			if global.TraefikUseTLS {
				labels[fmt.Sprintf("traefik.http.routers.%s-%d.tls", serviceName, i)] = "true"

				if global.TraefikCertResolver != "" {
					labels[fmt.Sprintf("traefik.http.routers.%s-%d.tls.certresolver", serviceName, i)] = global.TraefikCertResolver
				}
			}
		}

		labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", serviceName)] = strconv.Itoa(svc.Port)

		middlewares := make([]string, 0, 2+len(settings.Middlewares))

		if settings.BasicAuth != nil {
			middlewareName := serviceName + "--basic-auth"

			hashed, err := bcrypt.GenerateFromPassword([]byte(settings.BasicAuth.Pass), bcrypt.DefaultCost)
			if err != nil {
				return ComposeOverride{}, fmt.Errorf("failed to hash basic auth password: %w", err)
			}

			escaped := strings.ReplaceAll(string(hashed), "$", "$$")

			labels[fmt.Sprintf("traefik.http.middlewares.%s.basicauth.users", middlewareName)] = fmt.Sprintf("%s:%s", settings.BasicAuth.User, escaped)
			labels[fmt.Sprintf("traefik.http.middlewares.%s.basicauth.removeheader", middlewareName)] = "true"

			middlewares = append(middlewares, middlewareName)
		}

		if settings.DisallowRobots {
			middlewareName := serviceName + "--robots"
			labels[fmt.Sprintf("traefik.http.middlewares.%s.headers.customresponseheaders.X-Robots-Tags", middlewareName)] =
				"none, noarchive, nosnippet, notranslate, noimageindex"

			middlewares = append(middlewares, middlewareName)
		}

		middlewares = append(middlewares, settings.Middlewares...)

		for i := range domains {
			labels[fmt.Sprintf("traefik.http.routers.%s-%d.middlewares", serviceName, i)] = strings.Join(middlewares, ",")
		}

		environment := map[string]string{}
		for k, v := range resolvedEnvironment {
			environment[k] = v
		}

		override.Services[svc.Service] = ServiceOverride{
			Labels:      labels,
			Environment: environment,
			Networks:    []string{"default", global.TraefikNetwork},
		}
	}

	return override, nil
}

func renderHAProxy(global GlobalSettings, _ string, settings apptypes.AppSettings, resolvedEnvironment map[string]string) (ComposeOverride, error) {
	override := ComposeOverride{
		Services: make(map[string]ServiceOverride, len(settings.PublicServices)),
	}

	for _, svc := range settings.PublicServices {
		environment := map[string]string{}

		if len(svc.Domains) > 0 {
			environment["VHOST"] = strings.Join(svc.Domains, " ")
		} else {
			environment["VHOST"] = fmt.Sprintf("%s.%s", svc.Service, settings.Domain)
		}

		environment["VPORT"] = strconv.Itoa(svc.Port)

		if settings.BasicAuth != nil {
			environment["HTTP_AUTH_USER"] = settings.BasicAuth.User
			environment["HTTP_AUTH_PASS"] = settings.BasicAuth.Pass
		}

		if global.HAProxyUseTLS {
			environment["HTTPS_ONLY"] = "1"
		}

		for k, v := range resolvedEnvironment {
			environment[k] = v
		}

		override.Services[svc.Service] = ServiceOverride{Environment: environment}
	}

	return override, nil
}
