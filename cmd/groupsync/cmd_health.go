package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/groupledger/groupsync/internal/ledger"
	"github.com/groupledger/groupsync/internal/rpc"
)

var (
	healthJSON    bool
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured node",
	Long: `Calls get_dynamic_global_properties against each configured node directly
(no failover, no hedging) and reports per-node latency, so a degraded node
is visible even while the pool as a whole still serves traffic.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output as JSON")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "Per-node probe timeout")
}

type nodeProbe struct {
	Node      string `json:"node"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	HeadBlock int64  `json:"head_block,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	transport := rpc.NewHTTPTransport(healthTimeout)
	probes := make([]nodeProbe, 0, len(cfg.Nodes))
	anyOK := false

	for _, node := range cfg.Nodes {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		start := time.Now()
		raw, err := transport.Do(ctx, node, "get_dynamic_global_properties", nil)
		cancel()

		probe := nodeProbe{Node: node, LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			probe.Error = err.Error()
		} else {
			var props ledger.GlobalProperties
			if uerr := json.Unmarshal(raw, &props); uerr != nil {
				probe.Error = uerr.Error()
			} else {
				probe.OK = true
				probe.HeadBlock = props.HeadBlockNumber
				anyOK = true
			}
		}
		probes = append(probes, probe)
	}

	if healthJSON {
		if err := json.NewEncoder(os.Stdout).Encode(probes); err != nil {
			return err
		}
	} else {
		printProbes(probes)
	}

	if !anyOK {
		return fmt.Errorf("no healthy nodes among %d configured", len(cfg.Nodes))
	}
	return nil
}

func printProbes(probes []nodeProbe) {
	for _, p := range probes {
		status := "OK"
		detail := fmt.Sprintf("head=%d", p.HeadBlock)
		if !p.OK {
			status = "FAIL"
			detail = p.Error
		}
		fmt.Printf("%-4s %-45s %5dms  %s\n", status, p.Node, p.LatencyMS, detail)
	}
}
