// Package display decides between tables for people and JSON for scripts.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/errors"
)

// EnvJSON set to a true value makes JSON the default output
const EnvJSON = "HARVEST_JSON"

// ShouldOutputJSON is true when --json is set on the command or the root,
// or when HARVEST_JSON asks for it and no flag says otherwise
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			on, _ := strconv.ParseBool(f.Value.String())
			return on
		}
	}
	on, _ := strconv.ParseBool(os.Getenv(EnvJSON))
	return on
}

// OutputJSON prints v as indented JSON on stdout
func OutputJSON(v interface{}) error {
	return WriteJSON(os.Stdout, v)
}

func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
