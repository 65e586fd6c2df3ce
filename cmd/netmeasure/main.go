// netmeasure measures UDP path quality between two hosts: a server
// rendezvous daemon, a one-shot probe, a deterministic battery sweep,
// and result inspection commands.
package main

import (
	"github.com/vi/netmeasure2/cmd/netmeasure/commands"
)

func main() {
	commands.Execute()
}
