package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lodestardb/lodestar/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the node status JSON written by a running lodestar instance.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		path := config.Config.StatusFilePath
		if path == "" {
			path = filepath.Join(config.Config.NodeDir(), "status.json")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println(`{"error":"no status file; is the node running in raft mode?"}`)
				return nil
			}
			return err
		}
		var pretty any
		if err := json.Unmarshal(b, &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
