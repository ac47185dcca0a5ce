package commands

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by all parleyctl commands.
type RootOptions struct {
	AdminAddr string
	APIURL    string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "parleyctl",
		Short: "Administer and talk to a parley server",
	}

	cmd.PersistentFlags().StringVar(&opts.AdminAddr, "admin-addr", getEnv("ADMIN_ADDR", "localhost:8081"), "admin API address")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", getEnv("PARLEY_URL", "http://localhost:8080"), "API server base URL")

	cmd.AddCommand(NewAddUserCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))

	return cmd
}
