// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// DefaultsType returns the type of defaults (dev/release) this process
// should use. Binding happens before flag parsing, so the raw arguments
// and the environment are inspected directly.
func DefaultsType() string {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--defaults" && i+1 < len(args) {
			return strings.ToLower(args[i+1])
		}
		if v, ok := strings.CutPrefix(args[i], "--defaults="); ok {
			return strings.ToLower(v)
		}
	}
	if v := os.Getenv("GRAPHRELAY_DEFAULTS"); v != "" {
		return strings.ToLower(v)
	}
	return "release"
}

// DefaultsFlag sets up the --defaults flag on the command and returns the
// BindOpt matching its value.
func DefaultsFlag(cmd *cobra.Command) BindOpt {
	defaults := DefaultsType()
	cmd.PersistentFlags().String("defaults", defaults,
		"determines the configuration defaults to use. can either be 'dev' or 'release'")
	setBoolAnnotation(cmd.PersistentFlags(), "defaults", "setup")
	if defaults == "dev" {
		return UseDevDefaults()
	}
	return UseReleaseDefaults()
}
