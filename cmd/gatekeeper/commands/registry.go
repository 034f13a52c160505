package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var registerEndpoint string

func NewRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish an endpoint for this identity",
		Long: `Prove control of this identity to the intermediary and publish the endpoint
at which it can be reached. Without --endpoint the node's own address is
published, which is only useful while a listening node keeps running; see
'accept'.`,
		Args: cobra.NoArgs,
		RunE: runRegister,
	}

	cmd.Flags().StringVarP(&registerEndpoint, "endpoint", "e", "", "Endpoint to publish")

	return cmd
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openPeer(ctx, registerEndpoint == "")
	if err != nil {
		return err
	}
	defer p.Close()

	endpoint := registerEndpoint
	if endpoint == "" {
		endpoint = p.node.Endpoint()
	}
	if endpoint == "" {
		return errors.New("node has no address to publish, pass --endpoint")
	}

	if err := p.client.Register(ctx, p.signer, endpoint); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", p.signer.Identity(), endpoint)
	return nil
}

func NewUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Remove this identity's registry entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPeer(ctx, false)
			if err != nil {
				return err
			}
			defer p.Close()

			deleted, err := p.client.Unregister(ctx, p.signer)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintln(cmd.OutOrStdout(), "no entry")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
}

func NewLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <identity>",
		Short: "Resolve an identity to its registered endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPeer(ctx, false)
			if err != nil {
				return err
			}
			defer p.Close()

			endpoint, err := p.client.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), endpoint)
			return nil
		},
	}
}

func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPeer(ctx, false)
			if err != nil {
				return err
			}
			defer p.Close()

			keys, err := p.client.List(ctx)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}
