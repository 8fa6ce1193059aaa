package commands

import (
	"strings"
	"testing"
)

func TestStatusWithoutBrokerData(t *testing.T) {
	withHome(t, nil)

	out := captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus: %v", err)
		}
	})
	for _, want := range []string{
		"Steward Status",
		"Status: OK",
		"shared secret configured",
		"Pending approvals: 0",
		"no broker data yet",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}
