// The main package for the searchguard executable.
package main

import (
	"github.com/JakeFAU/searchguard/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
