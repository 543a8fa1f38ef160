package extractor

import (
	"strconv"
	"strings"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/policy"
)

// Missing returns the implied capabilities the declared set does not cover,
// judged with the same glob semantics the runtime gate enforces. Pass a
// policy configured with the skill's directory so relative config paths
// resolve; with a nil policy, relative paths count as uncovered.
func Missing(p *policy.GlobPolicy, declared, implied capability.Set) capability.Set {
	if p == nil {
		p = policy.NewPolicy(
			policy.WithDenialHandler(&policy.NopDenialHandler{}),
			policy.WithSymlinkResolution(false),
		)
	}
	var missing capability.Set
	for _, c := range implied {
		if !covered(p, declared, c) {
			missing = append(missing, c)
		}
	}
	return missing.Dedupe()
}

func covered(p *policy.GlobPolicy, declared capability.Set, c capability.Capability) bool {
	switch c.Kind {
	case capability.KindFileRead:
		return p.EvaluateFile(c.Pattern, policy.OpRead, declared)
	case capability.KindFileWrite:
		return p.EvaluateFile(c.Pattern, policy.OpWrite, declared)
	case capability.KindShellExec:
		return p.EvaluateExec(c.Pattern, declared)
	case capability.KindNetworkEgress:
		host, port := splitEndpoint(c.Pattern)
		return p.EvaluateNetwork(host, port, declared)
	case capability.KindEnvRead:
		return p.EvaluateEnv(c.Pattern, declared)
	case capability.KindCredentialRead:
		return p.EvaluateCredential(c.Pattern, declared)
	}
	return false
}

// splitEndpoint breaks an implied "host:port" pattern apart. A wildcard or
// absent port becomes -1, which no concrete port grant matches, so only
// unbounded declarations cover it.
func splitEndpoint(pattern string) (string, int) {
	host, portSpec, ok := strings.Cut(pattern, ":")
	if !ok || portSpec == "" || portSpec == "*" {
		return host, -1
	}
	port, err := strconv.Atoi(portSpec)
	if err != nil {
		return host, -1
	}
	return host, port
}
