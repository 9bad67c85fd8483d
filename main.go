// The main package for the papercrawl executable.
package main

import (
	"os"

	"github.com/JakeFAU/proceedings-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
