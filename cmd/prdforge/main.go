// Command prdforge runs the multi-agent PRD generator: the HTTP API with its
// WebSocket stream, an MCP stdio server, and Postgres migrations.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
