// Package main is the entry point for broker-demo.
package main

import (
	"os"

	"github.com/jmylchreest/videorelay-broker/cmd/broker-demo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
