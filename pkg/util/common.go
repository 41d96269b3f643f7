// Package util provides utility functions for the application.
package util

import (
	"fmt"
	"io"
)

// na returns "N/A" if the input string is empty, otherwise it returns the input string.
func na(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

// PrintBuildInfo writes the build metadata injected by ldflags to w.
func PrintBuildInfo(w io.Writer, buildVersion, buildDate, buildCommit string) {
	fmt.Fprintf(w, "Build version: %s\n", na(buildVersion))
	fmt.Fprintf(w, "Build date: %s\n", na(buildDate))
	fmt.Fprintf(w, "Build commit: %s\n", na(buildCommit))
}
