// Command teleclaude runs the node daemon and the CLI that drives it.
package main

import "github.com/InstruktAI/teleclaude/cmd"

func main() {
	cmd.Execute()
}
