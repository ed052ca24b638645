package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestardb/lodestar/config"
	"github.com/lodestardb/lodestar/internal/client"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check liveness of a running lodestar node.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		host := config.Config.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", host, config.Config.Port)
		c, err := client.Dial(addr, 2*time.Second)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("PONG")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
