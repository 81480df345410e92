// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestViperEnvOverlay(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("lease.table", "leases", "")
	cmd.Flags().Int("stream.batch-size", 100, "")

	t.Setenv("GRAPHRELAY_LEASE_TABLE", "from-env")

	vip, err := Viper(cmd)
	require.NoError(t, err)
	require.Equal(t, "from-env", vip.GetString("lease.table"))
	require.Equal(t, 100, vip.GetInt("stream.batch-size"))
}

func TestViperEnvAlias(t *testing.T) {
	BindEnv("stream.endpoint", "NeptuneStreamEndpoint")
	defer delete(envAliases, "stream.endpoint")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("stream.endpoint", "", "")

	t.Setenv("NeptuneStreamEndpoint", "https://db.cluster.example:8182/gremlin")

	vip, err := Viper(cmd)
	require.NoError(t, err)
	require.Equal(t, "https://db.cluster.example:8182/gremlin", vip.GetString("stream.endpoint"))
}

func TestSaveConfig(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("lease.owner", "nobody", "")
	cmd.Flags().Int("stream.batch-size", 100, "")
	cmd.Flags().String("secret", "", "")
	require.NoError(t, cmd.Flags().SetAnnotation("secret", "hidden", []string{"true"}))

	require.NoError(t, cmd.Flags().Set("stream.batch-size", "250"))

	outfile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveConfig(cmd, outfile, map[string]interface{}{
		"lease.owner": "custom",
	}))

	data, err := os.ReadFile(outfile)
	require.NoError(t, err)
	require.Contains(t, string(data), "batch-size: 250")
	require.Contains(t, string(data), "owner: custom")
	require.NotContains(t, string(data), "secret")
}
