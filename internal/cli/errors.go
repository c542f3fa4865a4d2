package cli

import (
	"fmt"
	"io"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
)

// printError writes err to w. Structured errors get their What/Why/Fix
// form; verbose mode adds the code and cause.
func printError(w io.Writer, err error) {
	if e := fsderrors.AsError(err); e != nil {
		fmt.Fprintln(w, e.UserMessage())
		if verbose {
			fmt.Fprintf(w, "\nCode: %s\n", e.Code)
			if e.Cause != nil {
				fmt.Fprintf(w, "Cause: %v\n", e.Cause)
			}
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
