// warden — risk-gated execution gateway for AI agent tool calls.
package main

import "github.com/wardenhq/warden/internal/cli"

func main() {
	cli.Execute()
}
