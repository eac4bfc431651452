package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// buildInfo is what `mnemos version` reports. Schema and Embedding are
// only filled with --runtime, which opens the configured database.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Schema    int    `json:"schema_version,omitempty"`
	Embedding string `json:"embedding_model,omitempty"`
}

var (
	versionJSON    bool
	versionRuntime bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version, schema and embedding model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}
		if versionRuntime {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if info.Schema, err = rt.db.SchemaVersion(); err != nil {
				return fmt.Errorf("schema version: %w", err)
			}
			info.Embedding = rt.eng.Generator().Model()
			if info.Embedding == "" {
				info.Embedding = "none"
			}
		}

		out := cmd.OutOrStdout()
		if versionJSON {
			return printJSON(out, info)
		}
		fmt.Fprintf(out, "mnemos %s (commit: %s, built: %s)\n", info.Version, info.Commit, info.BuildDate)
		if versionRuntime {
			fmt.Fprintf(out, "schema: v%d\nembedding: %s\n", info.Schema, info.Embedding)
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
	versionCmd.Flags().BoolVar(&versionRuntime, "runtime", false, "open the database and report schema and embedding model")
}

// VersionString is the short form used by the health endpoint and tracing.
func VersionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
