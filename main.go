// The main package for the chronoscraper executable.
package main

import (
	"github.com/linksmith/chrono-scraper-sub004/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
