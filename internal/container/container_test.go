package container

import "testing"

func TestValidateMountsAllowsOrdinaryPath(t *testing.T) {
	err := ValidateMounts([]Mount{{Source: "/srv/foundry/workspace", Target: "/workspace"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateMountsRejectsDeniedPaths(t *testing.T) {
	cases := []string{
		"/var/run/docker.sock",
		"/etc",
		"/etc/passwd",
		"/root",
		"/root/.ssh",
		"/home",
		"/home/operator",
		"/proc",
		"/sys",
		"/dev",
		"/boot",
		"/var/run",
	}
	for _, src := range cases {
		if err := ValidateMounts([]Mount{{Source: src, Target: "/x"}}); err == nil {
			t.Errorf("expected %q to be denied", src)
		}
	}
}

func TestValidateMountsDoesNotFalsePositiveOnSiblingPaths(t *testing.T) {
	err := ValidateMounts([]Mount{{Source: "/etcetera", Target: "/x"}})
	if err != nil {
		t.Fatalf("expected /etcetera to be allowed, got %v", err)
	}
}
