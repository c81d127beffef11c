// autopage-proxy is a forwarding proxy in front of the Procountor API.
//
// Every request gets a bearer token for its API key. GET requests without an
// explicit page size are answered with all pages of the upstream result merged
// into one document.
//
// Usage:
//
//	# Start with defaults and AUTOPAGE_* environment variables
//	autopage-proxy serve
//
//	# Start with a configuration file
//	autopage-proxy serve --config /etc/autopage/config.yaml
//
//	# Validate the configuration without starting the server
//	autopage-proxy serve --config config.yaml --dry-run
package main

func main() {
	Execute()
}
