package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/group"
)

var groupsJSON bool

var groupsCmd = &cobra.Command{
	Use:   "groups [group-id]",
	Short: "Show synced group state from the local store",
	Long: `Reads the derived snapshots written by the last sync cycle straight from
the state store. No ledger access happens; run sync first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGroups,
}

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "Output as JSON")
}

func runGroups(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("groups requires a Redis state store; the in-memory store does not outlive the sync process")
	}
	store, err := cache.DialRedis(cmd.Context(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	if len(args) == 1 {
		var s group.State
		if err := store.Get(ctx, cache.GroupKey(args[0]), &s); err != nil {
			if err == cache.ErrNotFound {
				return fmt.Errorf("group %q not found in store", args[0])
			}
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(&s)
	}

	var index []string
	if err := store.Get(ctx, cache.IndexKey(), &index); err != nil {
		if err == cache.ErrNotFound {
			fmt.Println("no groups synced yet")
			return nil
		}
		return err
	}

	if groupsJSON {
		return json.NewEncoder(os.Stdout).Encode(index)
	}
	for _, id := range index {
		var s group.State
		if err := store.Get(ctx, cache.GroupKey(id), &s); err != nil {
			continue
		}
		fmt.Printf("%-30s v%-3d creator=%-16s members=%d pending=%d\n",
			s.GroupID, s.Version, s.Creator, len(s.Members), len(s.PendingRequests()))
	}
	return nil
}
