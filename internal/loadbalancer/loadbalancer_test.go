package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/factorialio/scotty/internal/apptypes"
)

func TestRenderTraefik(t *testing.T) {
	t.Parallel()

	global := GlobalSettings{
		TraefikNetwork:      "proxy",
		TraefikUseTLS:       true,
		TraefikCertResolver: "myresolver",
	}

	settings := apptypes.AppSettings{
		Domain: "example.com",
		PublicServices: []apptypes.PublicService{
			{Service: "web", Port: 8080},
		},
		BasicAuth:      &apptypes.BasicAuth{User: "user", Pass: "pass"},
		DisallowRobots: true,
		Environment: map[string]string{
			"FOO":     "BAR",
			"API_KEY": "1234",
		},
		Middlewares: []string{"custom-middleware-1", "custom-middleware-2"},
	}

	override, err := Render(Traefik, global, "myapp", settings, settings.Environment)
	require.NoError(t, err)

	web := override.Services["web"]

	assert.Contains(t, web.Networks, "default")
	assert.Contains(t, web.Networks, "proxy")

	assert.Equal(t, "true", web.Labels["traefik.enable"])
	assert.Equal(t, "Host(`web.example.com`)", web.Labels["traefik.http.routers.web--myapp-0.rule"])
	assert.Equal(t, "8080", web.Labels["traefik.http.services.web--myapp.loadbalancer.server.port"])
	assert.Equal(t, "true", web.Labels["traefik.http.routers.web--myapp-0.tls"])
	assert.Equal(t, "myresolver", web.Labels["traefik.http.routers.web--myapp-0.tls.certresolver"])
	assert.Contains(t, web.Labels, "traefik.http.middlewares.web--myapp--basic-auth.basicauth.users")
	assert.Equal(t, "true", web.Labels["traefik.http.middlewares.web--myapp--basic-auth.basicauth.removeheader"])
	assert.Contains(t, web.Labels, "traefik.http.middlewares.web--myapp--robots.headers.customresponseheaders.X-Robots-Tags")
	assert.Equal(t,
		"web--myapp--basic-auth,web--myapp--robots,custom-middleware-1,custom-middleware-2",
		web.Labels["traefik.http.routers.web--myapp-0.middlewares"],
	)

	assert.Equal(t, "BAR", web.Environment["FOO"])
	assert.Equal(t, "1234", web.Environment["API_KEY"])

	hashPart := web.Labels["traefik.http.middlewares.web--myapp--basic-auth.basicauth.users"]
	assert.Contains(t, hashPart, "user:")
	assert.Contains(t, hashPart, "$$")

	assert.Equal(t, NetworkConfig{External: true}, override.Networks["proxy"])
}

func TestRenderTraefik_BcryptHashVerifies(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{
		Domain:         "example.com",
		PublicServices: []apptypes.PublicService{{Service: "web", Port: 80}},
		BasicAuth:      &apptypes.BasicAuth{User: "user", Pass: "s3cret"},
	}

	override, err := Render(Traefik, GlobalSettings{TraefikNetwork: "proxy"}, "app", settings, nil)
	require.NoError(t, err)

	raw := override.Services["web"].Labels["traefik.http.middlewares.web--app--basic-auth.basicauth.users"]
	hashed := raw[len("user:"):]
	// undo the compose $$ escaping before handing it to bcrypt.
	unescaped := []byte{}
	for i := 0; i < len(hashed); i++ {
		if hashed[i] == '$' && i+1 < len(hashed) && hashed[i+1] == '$' {
			unescaped = append(unescaped, '$')
			i++

			continue
		}

		unescaped = append(unescaped, hashed[i])
	}

	assert.NoError(t, bcrypt.CompareHashAndPassword(unescaped, []byte("s3cret")))
}

func TestRenderTraefik_DefaultDomainWhenNoneGiven(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{
		Domain:         "example.com",
		PublicServices: []apptypes.PublicService{{Service: "web", Port: 80}},
	}

	override, err := Render(Traefik, GlobalSettings{TraefikNetwork: "proxy"}, "app", settings, nil)
	require.NoError(t, err)

	assert.Equal(t, "Host(`web.example.com`)", override.Services["web"].Labels["traefik.http.routers.web--app-0.rule"])
}

func TestRenderTraefik_UsesResolvedEnvironmentNotRaw(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{
		Domain:         "example.com",
		PublicServices: []apptypes.PublicService{{Service: "web", Port: 80}},
		Environment: map[string]string{
			"API_KEY": "op://vault/item/field",
		},
	}

	resolved := map[string]string{
		"API_KEY": "s3cret-resolved-value",
	}

	override, err := Render(Traefik, GlobalSettings{TraefikNetwork: "proxy"}, "app", settings, resolved)
	require.NoError(t, err)

	assert.Equal(t, "s3cret-resolved-value", override.Services["web"].Environment["API_KEY"])
}

func TestRenderHAProxy_CustomDomains(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{
		Domain: "example.com",
		PublicServices: []apptypes.PublicService{
			{Service: "web", Port: 8080, Domains: []string{"custom1.test", "custom2.test"}},
			{Service: "api", Port: 9000, Domains: []string{"api1.test", "api2.test"}},
		},
	}

	override, err := Render(HAProxy, GlobalSettings{}, "myapp", settings, settings.Environment)
	require.NoError(t, err)

	web := override.Services["web"].Environment
	assert.Equal(t, "custom1.test custom2.test", web["VHOST"])
	assert.Equal(t, "8080", web["VPORT"])
	assert.NotContains(t, web, "HTTPS_ONLY")

	api := override.Services["api"].Environment
	assert.Equal(t, "api1.test api2.test", api["VHOST"])
	assert.Equal(t, "9000", api["VPORT"])

	assert.Nil(t, override.Networks)
}

func TestRenderHAProxy_DefaultDomainAuthAndTLS(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{
		Domain:         "example.com",
		PublicServices: []apptypes.PublicService{{Service: "web", Port: 8080}},
		BasicAuth:      &apptypes.BasicAuth{User: "user", Pass: "pass"},
		DisallowRobots: true,
		Environment: map[string]string{
			"FOO":     "BAR",
			"API_KEY": "1234",
		},
	}

	override, err := Render(HAProxy, GlobalSettings{HAProxyUseTLS: true}, "myapp", settings, settings.Environment)
	require.NoError(t, err)

	env := override.Services["web"].Environment
	assert.Equal(t, "web.example.com", env["VHOST"])
	assert.Equal(t, "8080", env["VPORT"])
	assert.Equal(t, "user", env["HTTP_AUTH_USER"])
	assert.Equal(t, "pass", env["HTTP_AUTH_PASS"])
	assert.Equal(t, "1", env["HTTPS_ONLY"])
	assert.Equal(t, "BAR", env["FOO"])
	assert.Equal(t, "1234", env["API_KEY"])
}
