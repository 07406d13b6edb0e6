// Package main implements ledgerctl, the operator tool for the work ledger:
// address derivation, envelope encoding, publishing and state inspection.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
