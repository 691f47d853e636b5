// Package main is the quill-sync command line: it runs the sync daemon with
// its local API, edits posts offline and inspects the outbound queue.
package main

import "github.com/zmh/Quill-sub002/cmd/quill-sync/cmd"

func main() {
	cmd.Execute()
}
