package policy_test

import (
	"testing"

	"github.com/skillhost-dev/skillhost/policy"
)

func FuzzMatchHost(f *testing.F) {
	p := policy.NewPolicy(policy.WithDenialHandler(&policy.NopDenialHandler{}))
	granted := grants(
		"network-egress:example.com:80",
		"network-egress:*.internal:80",
	)
	f.Add("example.com")
	f.Add("api.internal")
	f.Add("evil.com")

	f.Fuzz(func(t *testing.T, host string) {
		// We just ensure it doesn't panic
		p.CheckNetwork(host, 80, granted)
	})
}

func FuzzMatchPath(f *testing.F) {
	p := policy.NewPolicy(
		policy.WithDenialHandler(&policy.NopDenialHandler{}),
		policy.WithSymlinkResolution(false),
	)
	granted := grants("fs-read:/data/**", "fs-read:/etc/hosts")
	f.Add("/data/file.txt")
	f.Add("/etc/hosts")
	f.Add("/etc/passwd")

	f.Fuzz(func(t *testing.T, path string) {
		p.CheckFile(path, policy.OpRead, granted)
	})
}

func FuzzMatchPort(f *testing.F) {
	p := policy.NewPolicy(policy.WithDenialHandler(&policy.NopDenialHandler{}))
	granted := grants(
		"network-egress:example.com:80",
		"network-egress:example.com:8000-8010",
	)
	f.Add(80)
	f.Add(8005)
	f.Add(443)

	f.Fuzz(func(t *testing.T, port int) {
		p.CheckNetwork("example.com", port, granted)
	})
}
