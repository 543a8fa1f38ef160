package extractor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/extractor"
	"github.com/skillhost-dev/skillhost/policy"
)

func caps(entries ...string) capability.Set {
	set, err := capability.ParseSet(entries)
	if err != nil {
		panic(err)
	}
	return set
}

func TestMissing_DeclaredGlobsCoverConcreteUse(t *testing.T) {
	declared := caps(
		"fs-read:/data/**",
		"network-egress:*.example.com:443",
		"shell-exec:git",
	)
	implied := caps(
		"fs-read:/data/weather/inbox",
		"network-egress:api.example.com:443",
		"shell-exec:git",
	)

	assert.Empty(t, extractor.Missing(nil, declared, implied))
}

func TestMissing_ReportsUncoveredCapabilities(t *testing.T) {
	declared := caps("fs-read:/data/**", "network-egress:api.example.com:443")
	implied := caps(
		"fs-read:/data/in.csv",
		"fs-write:/data/out.csv",
		"shell-exec:ffmpeg",
		"network-egress:api.example.com:443",
		"network-egress:db.internal:5432",
	)

	missing := extractor.Missing(nil, declared, implied)
	assert.Equal(t, []string{
		"fs-write:/data/out.csv",
		"shell-exec:ffmpeg",
		"network-egress:db.internal:5432",
	}, missing.Strings())
}

func TestMissing_PortWildcardNeedsUnboundedGrant(t *testing.T) {
	// An implied host with no known port is only covered by a grant with
	// no port restriction.
	implied := caps("network-egress:db.internal:*")

	missing := extractor.Missing(nil, caps("network-egress:db.internal:5432"), implied)
	assert.Equal(t, implied.Strings(), missing.Strings())

	assert.Empty(t, extractor.Missing(nil, caps("network-egress:db.internal"), implied))
	assert.Empty(t, extractor.Missing(nil, caps("network-egress"), implied))
}

func TestMissing_RelativePathsNeedAWorkingDirectory(t *testing.T) {
	declared := caps("fs-read:/skills/weather/**")
	implied := caps("fs-read:data/cache.json")

	// Without a working directory the relative path cannot be judged, so
	// it stays missing.
	assert.Len(t, extractor.Missing(nil, declared, implied), 1)

	p := policy.NewPolicy(
		policy.WithDenialHandler(&policy.NopDenialHandler{}),
		policy.WithSymlinkResolution(false),
		policy.WithWorkingDirectory("/skills/weather"),
	)
	assert.Empty(t, extractor.Missing(p, declared, implied))
}

func TestMissing_BroadDeclarationCoversEverything(t *testing.T) {
	declared := caps("fs-read", "fs-write", "shell-exec", "network-egress", "env-read")
	implied := caps(
		"fs-read:/etc/passwd",
		"fs-write:/tmp/x",
		"shell-exec:rm",
		"network-egress:anywhere.example.com:9999",
		"env-read:HOME",
	)
	assert.Empty(t, extractor.Missing(nil, declared, implied))
}
