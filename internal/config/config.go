// Package config loads proxy configuration from the environment, following
// the KERBSIDE_-prefixed variable names of the system this proxy fronts.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every tunable read from the environment at startup. Fields
// belonging to the HTTP admin API, OpenStack/oVirt/Shaken Fist discovery
// sources and the gunicorn command line are retained for forward
// compatibility with a future sibling process, even though this proxy does
// not act on most of them itself.
type Config struct {
	// JWT / API auth, not consumed directly by the proxy (see
	// AuthSecretSeed, APITokenDuration)
	AuthSecretSeed   string
	APITokenDuration int

	// Keystone auth for the (out of scope) discovery/admin API
	KeystoneAuthURL                  string
	KeystoneServiceAuthUser          string
	KeystoneServiceAuthPassword      string
	KeystoneServiceAuthUserDomainID  string
	KeystoneServiceAuthProject       string
	KeystoneServiceAuthProjectDomain string
	KeystoneAccessGroup              string

	// Admin API, not served by this process
	APIAddress     string
	APIPort        int
	APITimeout     int
	APICommandLine string
	PIDFileLocation string

	PublicFQDN string
	NodeName   string

	VDIAddress      string
	VDISecurePort   int
	VDIInsecurePort int

	LogOutputPath string
	LogOutputJSON bool
	LogVerbose    bool

	TrafficInspection         bool
	TrafficInspectionIntimate bool
	TrafficOutputPath         string

	PrometheusMetricsPort int

	SQLURL      string
	SourcesPath string

	CACertPath            string
	ProxyHostSubject      string
	ProxyHostCertPath     string
	ProxyHostCertKeyPath  string

	ConsoleTokenDuration int
}

const envPrefix = "KERBSIDE_"

func getEnvString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func getEnvBool(name string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s=%q is not an integer: %w", envPrefix, name, v, err)
	}
	return n, nil
}

// Load reads Config from the process environment, applying the same
// defaults as the rest of the kerbside stack so operators can deploy this
// proxy alongside the existing discovery/admin services unmodified.
func Load() (*Config, error) {
	c := &Config{
		AuthSecretSeed:                    getEnvString("AUTH_SECRET_SEED", "~~unconfigured~~"),
		KeystoneAuthURL:                   getEnvString("KEYSTONE_AUTH_URL", "~~unconfigured~~"),
		KeystoneServiceAuthUser:           getEnvString("KEYSTONE_SERVICE_AUTH_USER", "~~unconfigured~~"),
		KeystoneServiceAuthPassword:       getEnvString("KEYSTONE_SERVICE_AUTH_PASSWORD", "~~unconfigured~~"),
		KeystoneServiceAuthUserDomainID:   getEnvString("KEYSTONE_SERVICE_AUTH_USER_DOMAIN_ID", "default"),
		KeystoneServiceAuthProject:        getEnvString("KEYSTONE_SERVICE_AUTH_PROJECT", "admin"),
		KeystoneServiceAuthProjectDomain:  getEnvString("KEYSTONE_SERVICE_AUTH_PROJECT_DOMAIN_ID", "default"),
		KeystoneAccessGroup:               getEnvString("KEYSTONE_ACCESS_GROUP", "kerbside"),
		APIAddress:                        getEnvString("API_ADDRESS", "0.0.0.0"),
		APICommandLine:                    getEnvString("API_COMMAND_LINE", ""),
		PIDFileLocation:                   getEnvString("PID_FILE_LOCATION", "/tmp/"),
		PublicFQDN:                        getEnvString("PUBLIC_FQDN", "kerbside.home.stillhq.com"),
		NodeName:                          getEnvString("NODE_NAME", "kerbside"),
		VDIAddress:                        getEnvString("VDI_ADDRESS", "0.0.0.0"),
		LogOutputPath:                     getEnvString("LOG_OUTPUT_PATH", ""),
		LogOutputJSON:                     getEnvBool("LOG_OUTPUT_JSON", false),
		LogVerbose:                        getEnvBool("LOG_VERBOSE", false),
		TrafficInspection:                 getEnvBool("TRAFFIC_INSPECTION", false),
		TrafficInspectionIntimate:         getEnvBool("TRAFFIC_INSPECTION_INTIMATE", false),
		TrafficOutputPath:                 getEnvString("TRAFFIC_OUTPUT_PATH", ""),
		SQLURL:                            getEnvString("SQL_URL", "postgres://kerbside@localhost/kerbside"),
		SourcesPath:                       getEnvString("SOURCES_PATH", "./sources.yaml"),
		CACertPath:                        getEnvString("CACERT_PATH", "/etc/pki/CA/ca-cert.pem"),
		ProxyHostSubject:                  getEnvString("PROXY_HOST_SUBJECT", "C=US,O=Shaken Fist,CN=Kerbside Proxy"),
		ProxyHostCertPath:                 getEnvString("PROXY_HOST_CERT_PATH", "/etc/pki/CA/certs/proxy.pem"),
		ProxyHostCertKeyPath:              getEnvString("PROXY_HOST_CERT_KEY_PATH", "/etc/pki/CA/certs/proxy-key.pem"),
	}

	var err error
	if c.APITokenDuration, err = getEnvInt("API_TOKEN_DURATION", 60); err != nil {
		return nil, err
	}
	if c.APIPort, err = getEnvInt("API_PORT", 13002); err != nil {
		return nil, err
	}
	if c.APITimeout, err = getEnvInt("API_TIMEOUT", 30); err != nil {
		return nil, err
	}
	if c.VDISecurePort, err = getEnvInt("VDI_SECURE_PORT", 5900); err != nil {
		return nil, err
	}
	if c.VDIInsecurePort, err = getEnvInt("VDI_INSECURE_PORT", 5901); err != nil {
		return nil, err
	}
	if c.PrometheusMetricsPort, err = getEnvInt("PROMETHEUS_METRICS_PORT", 13003); err != nil {
		return nil, err
	}
	if c.ConsoleTokenDuration, err = getEnvInt("CONSOLE_TOKEN_DURATION", 1); err != nil {
		return nil, err
	}

	if c.TrafficInspection && c.TrafficOutputPath == "" {
		return nil, fmt.Errorf("%sTRAFFIC_OUTPUT_PATH must be set when %sTRAFFIC_INSPECTION is true", envPrefix, envPrefix)
	}

	return c, nil
}
