package version

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Version holds the current build version. Override with
// -ldflags "-X github.com/dubflow/internal/version.Version=v1.2.3".
var Version = "dev"

const (
	separator = "────────────────────────────────────────────────────────────"
	banner    = `
      _       _      __ _
   __| |_   _| |__  / _| | _____      __
  / _' | | | | '_ \| |_| |/ _ \ \ /\ / /
 | (_| | |_| | |_) |  _| | (_) \ V  V /
  \__,_|\__,_|_.__/|_| |_|\___/ \_/\_/
`
)

// Banner returns the ASCII-art project banner.
func Banner() string {
	return strings.Trim(banner, "\n")
}

// PrintBanner writes the decorated banner and version info to w (stdout if nil).
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, Banner())
	fmt.Fprintf(w, "\n  dubflow %s\n", Version)
	fmt.Fprintf(w, "  Video Localization Pipeline Service\n")
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}
