// The main package for the rater executable.
package main

import (
	"github.com/JakeFAU/realtime-feed-rater/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
