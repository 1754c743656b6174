package testutil

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// AssertLogsContain checks that the wanted string appears in the messages
// captured by the logrus test hook.
func AssertLogsContain(t *testing.T, hook *test.Hook, want string) {
	assertLogs(t, hook, want, true)
}

// AssertLogsDoNotContain is the inverse check of AssertLogsContain.
func AssertLogsDoNotContain(t *testing.T, hook *test.Hook, want string) {
	assertLogs(t, hook, want, false)
}

func assertLogs(t *testing.T, hook *test.Hook, want string, shouldMatch bool) {
	t.Logf("scanning for: %s", want)
	match := false
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, want) {
			match = true
		}
		t.Logf("log: %s", e.Message)
	}

	if shouldMatch && !match {
		t.Fatalf("log not found: %s", want)
	} else if !shouldMatch && match {
		t.Fatalf("unwanted log found: %s", want)
	}
}
