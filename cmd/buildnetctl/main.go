package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/buildnet/buildnet/pkg/config"
	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/network"
	"github.com/buildnet/buildnet/pkg/scheduler"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildnetctl",
	Short: "buildnetctl drives builds against a BuildNet node",
}

var buildCmd = &cobra.Command{
	Use:   "build [package...]",
	Short: "Submit packages to a node and print the result table",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().String("node-addr", "127.0.0.1:7946", "peer-transport listen address of the node to build against")
	buildCmd.Flags().String("manifest", "", "package manifest YAML to resolve [package...] names against (when omitted, each name doubles as Dir and the command is go build ./...)")
	buildCmd.Flags().Duration("timeout", 5*time.Minute, "request timeout")
}

// buildRequest/buildResponse mirror pkg/scheduler's forwardRequest/
// forwardResponse wire shape, since buildnetctl makes the same
// MsgBuildRequest round trip a forwarding follower makes against its
// leader; the reply comes back under the same kind, matched by
// correlation ID.
type buildRequest struct {
	Packages []types.Package `msgpack:"packages"`
}

type buildResponse struct {
	Results []scheduler.PackageResult `msgpack:"results"`
	Error   string                    `msgpack:"error,omitempty"`
}

func runBuild(cmd *cobra.Command, args []string) error {
	nodeAddr, _ := cmd.Flags().GetString("node-addr")
	manifestPath, _ := cmd.Flags().GetString("manifest")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	pkgs, err := resolvePackages(manifestPath, args)
	if err != nil {
		return err
	}

	id, err := identity.Generate("buildnetctl-" + fmt.Sprint(os.Getpid()))
	if err != nil {
		return fmt.Errorf("buildnetctl: generate ephemeral identity: %w", err)
	}
	registry := network.NewRegistry(id.NodeID)
	transport := network.NewTransport(id, registry, network.DefaultTransportConfig(""), func() types.NodeInfo {
		return types.NodeInfo{ID: id.NodeID, Address: "", PublicKey: id.PublicKey}
	})
	defer transport.Close()

	body, err := msgpack.Marshal(&buildRequest{Packages: pkgs})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env, err := transport.Request(ctx, "node", nodeAddr, network.MsgBuildRequest, body)
	if err != nil {
		return fmt.Errorf("buildnetctl: request to %s failed: %w", nodeAddr, err)
	}

	var resp buildResponse
	if err := msgpack.Unmarshal(env.Body, &resp); err != nil {
		return fmt.Errorf("buildnetctl: decode response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("buildnetctl: node reported: %s", resp.Error)
	}

	printResults(resp.Results)
	return nil
}

// resolvePackages turns the CLI's bare package names into full
// types.Package values by looking them up in the manifest, or — with no
// manifest given — builds a minimal package assuming the name is also
// its directory and "go build ./..." its command, a convenience for ad
// hoc single-module invocations.
func resolvePackages(manifestPath string, names []string) ([]types.Package, error) {
	if manifestPath == "" {
		pkgs := make([]types.Package, 0, len(names))
		for _, name := range names {
			pkgs = append(pkgs, types.Package{
				Name:         name,
				Dir:          name,
				SourceGlobs:  []string{"**/*"},
				BuildCommand: []string{"go", "build", "./..."},
			})
		}
		return pkgs, nil
	}

	all, err := config.LoadPackages(manifestPath)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]types.Package, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	selected := make([]types.Package, 0, len(names))
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("buildnetctl: package %q not found in %s", name, manifestPath)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func printResults(results []scheduler.PackageResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tSTATUS\tTIER\tARTIFACT\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.PackageName, r.Status, r.Tier, shortHash(r.ArtifactHash), r.Error)
	}
	w.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
