// Command agentgate evaluates and administers agent access-control policies.
package main

import "github.com/Koded0214h/Agentic-Enterprise/cmd/agentgate/cmd"

func main() {
	cmd.Execute()
}
