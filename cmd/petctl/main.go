// Command petctl is a terminal client for the relay: encrypted ticket chat,
// driver location publishing from a recorded track, and live trip watching.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := RunCLI(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		var usage UsageError
		if errors.As(err, &usage) {
			fmt.Fprintln(os.Stderr, usage.Error())
			for _, line := range usage.UsageLines() {
				fmt.Fprintln(os.Stderr, line)
			}
			os.Exit(2)
		}
		os.Exit(1)
	}
}
