// Command automationctl inspects and repairs the action queue, audit trail,
// rules and SLA state of a running deployment.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
