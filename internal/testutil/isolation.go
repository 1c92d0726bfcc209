// Package testutil holds helpers shared by svcregistry tests.
package testutil

import (
	"os"
	"strings"
	"sync"
	"testing"
)

// EnvPrefix is the prefix of every variable the config loader reads.
const EnvPrefix = "SVCREGISTRY_"

var isolationMu sync.Mutex

// snapshotEnv captures every SVCREGISTRY_* variable plus extra, and unsets
// them so the caller starts from a clean environment.
func snapshotEnv(extra []string) map[string]*string {
	snapshot := map[string]*string{}
	for _, kv := range os.Environ() {
		key, val, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, EnvPrefix) {
			v := val
			snapshot[key] = &v
		}
	}
	for _, k := range extra {
		if v, ok := os.LookupEnv(k); ok {
			vCopy := v
			snapshot[k] = &vCopy
		} else {
			snapshot[k] = nil
		}
	}
	for k := range snapshot {
		_ = os.Unsetenv(k)
	}
	return snapshot
}

func restoreEnv(snapshot map[string]*string) {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if _, tracked := snapshot[key]; !tracked && strings.HasPrefix(key, EnvPrefix) {
			_ = os.Unsetenv(key)
		}
	}
	for k, v := range snapshot {
		if v == nil {
			_ = os.Unsetenv(k)
		} else {
			_ = os.Setenv(k, *v)
		}
	}
}

// WithIsolatedEnv runs fn with every SVCREGISTRY_* variable (and the extra
// keys) cleared, restoring the previous values afterwards. Calls are
// serialized.
func WithIsolatedEnv(fn func(), extra ...string) {
	isolationMu.Lock()
	defer isolationMu.Unlock()

	snapshot := snapshotEnv(extra)
	defer restoreEnv(snapshot)

	fn()
}

// Isolate clears every SVCREGISTRY_* variable (and the extra keys) for the
// rest of the test and registers a t.Cleanup restoring them. Safe to call
// more than once; cleanups run LIFO.
func Isolate(t *testing.T, extra ...string) {
	t.Helper()

	snapshot := snapshotEnv(extra)
	t.Cleanup(func() {
		restoreEnv(snapshot)
	})
}
