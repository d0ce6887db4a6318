// File: cmd/wsprobe/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command wsprobe exercises the pipeline from the command line: plain HTTP
// requests, WebSocket echo sessions, and a small echo server to run them
// against.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
