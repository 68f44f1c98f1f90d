package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/internal/auth"
)

// peerTrustStore is a flat JSON file mapping peer IP to its base64
// public key, the concrete PeerKeyLookup collaborator this CLI supplies
// in place of whatever directory service an embedder would normally
// plug in (§1).
type peerTrustStore struct {
	path string
	keys map[string]string
}

func loadTrustStore(path string) (*peerTrustStore, error) {
	ts := &peerTrustStore{path: path, keys: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &ts.keys); err != nil {
		return nil, fmt.Errorf("parse trust store %s: %w", path, err)
	}
	return ts, nil
}

func (ts *peerTrustStore) save() error {
	data, err := json.MarshalIndent(ts.keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ts.path, data, 0o600)
}

func (ts *peerTrustStore) lookup(peerIP string) (auth.PublicKey, bool) {
	var pub auth.PublicKey
	encoded, ok := ts.keys[peerIP]
	if !ok {
		return pub, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != len(pub) {
		return pub, false
	}
	copy(pub[:], raw)
	return pub, true
}

func (ts *peerTrustStore) add(peerIP string, pub auth.PublicKey) {
	ts.keys[peerIP] = base64.StdEncoding.EncodeToString(pub[:])
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trusted peer public keys",
}

var trustAddCmd = &cobra.Command{
	Use:   "add <peer-ip> <base64-pubkey>",
	Short: "Record a peer's public key",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ts, err := loadTrustStore(trustStorePath(cfg))
		if err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid public key encoding")
		}
		var pub auth.PublicKey
		copy(pub[:], raw)
		ts.add(args[0], pub)
		if err := ts.save(); err != nil {
			return err
		}
		fmt.Printf("Trusted %s\n", args[0])
		return nil
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted peers",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ts, err := loadTrustStore(trustStorePath(cfg))
		if err != nil {
			return err
		}
		if len(ts.keys) == 0 {
			fmt.Println("No trusted peers.")
			return nil
		}
		for ip, key := range ts.keys {
			fmt.Printf("%s  %s\n", ip, key)
		}
		return nil
	},
}

func init() {
	trustCmd.AddCommand(trustAddCmd)
	trustCmd.AddCommand(trustListCmd)
}
