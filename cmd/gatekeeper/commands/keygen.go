package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/layer-3/gatekeeper/adapters/identity"
)

var (
	keygenEthereum bool
	keygenOut      string
	keygenForce    bool
)

func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key",
		Long: `Generate a key and print the identity address it controls.

By default an Ed25519 libp2p key is written to node.key_file; its peer ID is
the identity. With --ethereum a secp256k1 key is written instead and the
identity is its Ethereum address.`,
		Args: cobra.NoArgs,
		RunE: runKeygen,
	}

	cmd.Flags().BoolVar(&keygenEthereum, "ethereum", false, "Generate an Ethereum key")
	cmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Output path (default: node.key_file or node.ethereum_key_file)")
	cmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key file")

	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := keygenOut
	if path == "" {
		path = cfg.Node.KeyFile
		if keygenEthereum {
			path = cfg.Node.EthereumKeyFile
		}
	}
	if path == "" {
		return errors.New("no output path: pass --out")
	}
	if !keygenForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	var id string
	if keygenEthereum {
		key, err := identity.GenerateEthereumKey(path)
		if err != nil {
			return err
		}
		id = identity.NewEthereumSigner(key).Identity()
	} else {
		key, err := identity.GeneratePeerKey()
		if err != nil {
			return err
		}
		if err := identity.SavePeerKey(path, key); err != nil {
			return err
		}
		signer, err := identity.NewPeerSigner(key)
		if err != nil {
			return err
		}
		id = signer.Identity()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
	fmt.Fprintf(cmd.ErrOrStderr(), "key written to %s\n", path)
	return nil
}
