package lockclient

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// refereeBinEnv names the environment variable pointing at the
// lockref-referee executable, used to lazily spawn a referee when one isn't
// already listening.
const refereeBinEnv = "MMLIB_LOCKREF_BIN"

// bootstrapDialTimeout bounds how long Bootstrap waits for a freshly spawned
// referee to start accepting connections.
const bootstrapDialTimeout = 2 * time.Second

// Bootstrap dials a running referee, spawning one via MMLIB_LOCKREF_BIN if
// none answers. It is the entry point applications should use instead of
// Connect when they can't assume an operator already started the referee
// (e.g. the first process in a test or a single-binary deployment).
func Bootstrap() (*Client, error) {
	if client, err := Connect(); err == nil {
		return client, nil
	}

	bin := os.Getenv(refereeBinEnv)
	if bin == "" {
		return nil, fmt.Errorf("lockclient: no referee listening and %s unset", refereeBinEnv)
	}

	cmd := exec.Command(bin, "serve")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lockclient: spawn referee: %w", err)
	}

	deadline := time.Now().Add(bootstrapDialTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Connect()
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("lockclient: referee did not come up in time: %w", lastErr)
}
