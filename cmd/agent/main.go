// Package main is the single-binary entrypoint for the edge agent.
package main

import "github.com/iotistica/iotistic-agent/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
