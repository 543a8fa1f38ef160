// Package extractor derives the capabilities a skill's config block
// implies. Install-time checks run every extractor over the config and
// compare the result with the manifest's declared set, so a skill whose
// configuration reaches further than its declarations surfaces before it
// is approved.
package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/skillhost-dev/skillhost/capability"
)

// FileExtractor finds filesystem access implied by path-shaped config.
type FileExtractor struct{}

var (
	fileReadKeys     = []string{"path", "file", "input"}
	fileReadListKeys = []string{"paths", "files", "inputs", "watch_paths"}
	fileWriteKeys    = []string{"output", "output_path", "log_file"}
)

func (e *FileExtractor) Extract(config map[string]interface{}) capability.Set {
	var caps capability.Set
	for _, key := range fileReadKeys {
		if p, ok := config[key].(string); ok && p != "" {
			caps = append(caps, capability.Capability{Kind: capability.KindFileRead, Pattern: p})
		}
	}
	for _, key := range fileReadListKeys {
		for _, p := range stringList(config[key]) {
			caps = append(caps, capability.Capability{Kind: capability.KindFileRead, Pattern: p})
		}
	}
	for _, key := range fileWriteKeys {
		if p, ok := config[key].(string); ok && p != "" {
			caps = append(caps, capability.Capability{Kind: capability.KindFileWrite, Pattern: p})
		}
	}
	return caps.Dedupe()
}

// CommandExtractor finds exec access implied by command-shaped config.
type CommandExtractor struct{}

func (e *CommandExtractor) Extract(config map[string]interface{}) capability.Set {
	var cmds []string
	if cmd, ok := config["command"].(string); ok && cmd != "" {
		cmds = append(cmds, cmd)
	} else if cmd, ok := config["cmd"].(string); ok && cmd != "" {
		cmds = append(cmds, cmd)
	}
	cmds = append(cmds, stringList(config["commands"])...)
	if run, ok := config["run"].(string); ok && run != "" {
		// A shell line implies the shell plus the program it starts.
		cmds = append(cmds, "/bin/sh")
		if fields := strings.Fields(run); len(fields) > 0 {
			cmds = append(cmds, fields[0])
		}
	}

	var caps capability.Set
	for _, cmd := range cmds {
		caps = append(caps, capability.Capability{Kind: capability.KindShellExec, Pattern: cmd})
	}
	return caps.Dedupe()
}

// NetworkExtractor finds egress implied by URLs, hosts, and ports.
type NetworkExtractor struct{}

func (e *NetworkExtractor) Extract(config map[string]interface{}) capability.Set {
	var caps capability.Set
	if raw, ok := config["url"].(string); ok && raw != "" {
		if host, port := endpointFromURL(raw); host != "" {
			caps = append(caps, egress(host, port))
		}
	}
	port := portString(config["port"])
	for _, key := range []string{"host", "target"} {
		if host, ok := config[key].(string); ok && host != "" {
			caps = append(caps, egress(host, port))
		}
	}
	if ns, ok := config["nameserver"].(string); ok && ns != "" {
		caps = append(caps, egress(ns, "53"))
	}
	return caps.Dedupe()
}

// EnvExtractor finds environment reads declared as variable name lists.
type EnvExtractor struct{}

func (e *EnvExtractor) Extract(config map[string]interface{}) capability.Set {
	var caps capability.Set
	for _, key := range []string{"env", "env_vars"} {
		for _, name := range stringList(config[key]) {
			caps = append(caps, capability.Capability{Kind: capability.KindEnvRead, Pattern: name})
		}
	}
	return caps.Dedupe()
}

func egress(host, port string) capability.Capability {
	if port == "" {
		port = "*"
	}
	return capability.Capability{Kind: capability.KindNetworkEgress, Pattern: host + ":" + port}
}

// endpointFromURL pulls the host and port out of a URL, falling back to
// the scheme's default port.
func endpointFromURL(raw string) (host, port string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ""
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return host, port
}

// portString renders a port value however the config decoder delivered it.
func portString(v interface{}) string {
	switch p := v.(type) {
	case string:
		return p
	case int:
		if p > 0 {
			return fmt.Sprintf("%d", p)
		}
	case int32:
		return fmt.Sprintf("%d", p)
	case int64:
		return fmt.Sprintf("%d", p)
	case uint64:
		return fmt.Sprintf("%d", p)
	case float64:
		return fmt.Sprintf("%.0f", p)
	}
	return ""
}

// stringList coerces list-shaped config values, skipping non-strings.
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Ensure extractors implement the interface.
var (
	_ capability.Extractor = (*FileExtractor)(nil)
	_ capability.Extractor = (*CommandExtractor)(nil)
	_ capability.Extractor = (*NetworkExtractor)(nil)
	_ capability.Extractor = (*EnvExtractor)(nil)
)

// DefaultRegistry returns a registry holding the built-in extractors under
// their concern names.
func DefaultRegistry() *capability.Registry {
	r := capability.NewRegistry()
	r.Register("file", &FileExtractor{})
	r.Register("command", &CommandExtractor{})
	r.Register("network", &NetworkExtractor{})
	r.Register("env", &EnvExtractor{})
	return r
}
