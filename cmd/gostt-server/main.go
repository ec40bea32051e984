// Command gostt-server serves local speech-to-text and text generation over
// HTTP.
//
// Usage:
//
//	gostt-server [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the HTTP server
//	profiles  - Show GPU profiles and the detected one
//	download  - Fetch whisper model files
//	eval      - Transcribe a file and score it against a reference
//	version   - Show version information
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
