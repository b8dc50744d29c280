// Command pulse drives reprocessing runs of a PolicyPulse project from the
// terminal.
package main

import (
	"os"

	"github.com/policypulse/policypulse-go/cmd/pulse/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
