// Command lockref-ctl is a small diagnostic client for a running referee:
// it mints a lock, locks and unlocks it, and reports round-trip timing —
// useful for confirming a referee is reachable and answering correctly
// without wiring a whole application to it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmlabs-mindmaze/mmlib-sub001/lockclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lockref-ctl",
		Short: "Inspect and exercise a running lock-referee",
	}
	root.AddCommand(newPingCmd())
	return root
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Allocate a lock, lock and unlock it, and report the round-trip time",
		RunE:  runPing,
	}
}

func runPing(_ *cobra.Command, _ []string) error {
	client, err := lockclient.Connect()
	if err != nil {
		return fmt.Errorf("lockref-ctl: %w", err)
	}
	defer client.Close()

	mu, err := lockclient.NewSharedMutex(client)
	if err != nil {
		return fmt.Errorf("lockref-ctl: allocate lock: %w", err)
	}

	start := time.Now()
	if err := mu.Lock(); err != nil {
		return fmt.Errorf("lockref-ctl: lock: %w", err)
	}
	if err := mu.Unlock(); err != nil {
		return fmt.Errorf("lockref-ctl: unlock: %w", err)
	}

	fmt.Printf("key=%d round-trip=%s\n", mu.Key(), time.Since(start))
	return nil
}
