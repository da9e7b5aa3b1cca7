// udpstctl -- command-line client for the udpstd daemon's HTTP/JSON
// control API.
package main

import "github.com/dantte-lp/udpst/cmd/udpstctl/commands"

func main() {
	commands.Execute()
}
