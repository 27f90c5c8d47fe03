// The main package for the swarmcrawl executable.
package main

import (
	"github.com/JakeFAU/swarmcrawl/cmd"
)

func main() {
	cmd.Execute()
}
