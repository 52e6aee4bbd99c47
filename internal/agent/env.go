package agent

import (
	"os"
	"sync"
)

// envMu serializes process-environment mutation. Turns for different
// sessions may overlap; without this the pushes and undos interleave.
var envMu sync.Mutex

// pushEnv applies skill environment overrides and returns the undo closure
// that restores the prior state. Keys that already hold a non-empty value
// are left alone. The closure must run on every exit path of a turn.
func pushEnv(overrides map[string]string) func() {
	if len(overrides) == 0 {
		return func() {}
	}

	envMu.Lock()
	defer envMu.Unlock()

	type saved struct {
		value  string
		wasSet bool
	}
	prior := make(map[string]saved, len(overrides))

	for key, value := range overrides {
		if key == "" || value == "" {
			continue
		}
		old, ok := os.LookupEnv(key)
		if ok && old != "" {
			continue
		}
		prior[key] = saved{value: old, wasSet: ok}
		os.Setenv(key, value)
	}

	return func() {
		envMu.Lock()
		defer envMu.Unlock()
		for key, s := range prior {
			if s.wasSet {
				os.Setenv(key, s.value)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}
