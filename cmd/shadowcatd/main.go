// Command shadowcatd runs the shadowcat MCP proxy.
package main

import "github.com/shadowcat-mcp/shadowcat/cmd/shadowcatd/cmd"

func main() {
	cmd.Execute()
}
