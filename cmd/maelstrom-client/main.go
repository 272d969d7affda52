// Command maelstrom-client is the test driver: it turns the last recorded
// test listing into a batch of jobs, submits them to a broker through the
// client library, and renders per-case results. Enumerating tests out of a
// build system's metadata is a separate concern; this driver consumes the
// listing that step leaves behind (see pkg/testlisting).
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/maelstrom/pkg/client"
	"github.com/cuemby/maelstrom/pkg/config"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/progress"
	"github.com/cuemby/maelstrom/pkg/testlisting"
	"github.com/cuemby/maelstrom/pkg/testrunner"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(testrunner.ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:           "maelstrom-client",
	Short:         "Maelstrom test driver",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("broker", "", "Broker address (host:port)")
	pf.String("build-dir", config.DefaultDriver().BuildDir, "Build output directory holding the test listing")
	pf.String("log-level", config.DefaultDriver().LogLevel, "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Output logs in JSON format")
	pf.String("config-file", "", "TOML configuration file")
	pf.Bool("print-config", false, "Print the resolved configuration and exit")

	runCmd.Flags().StringArrayP("include", "i", nil, "Only run tests matching this pattern (repeatable)")
	runCmd.Flags().StringArrayP("exclude", "x", nil, "Skip tests matching this pattern (repeatable)")
	runCmd.Flags().Uint32("timeout", 0, "Per-test timeout in seconds (0 = none)")
	runCmd.Flags().Bool("quiet", false, "Suppress the progress bar")
	runCmd.Flags().StringArray("layer", nil, "Tar archive to stack into each job's root (repeatable, bottom first)")
	runCmd.Flags().String("program", "/maelstrom/test", "Test binary path inside the container")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
}

// listingEnumerator adapts the persisted listing to the runner's
// enumerator interface.
type listingEnumerator struct {
	listing testlisting.Listing
}

func (e listingEnumerator) Enumerate() ([]testrunner.TestCase, error) {
	var cases []testrunner.TestCase
	for pkg, artifacts := range e.listing {
		for binary, set := range artifacts {
			for _, name := range set.Cases {
				cases = append(cases, testrunner.TestCase{Package: pkg, Binary: binary, Name: name})
			}
		}
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID() < cases[j].ID() })
	return cases, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the listed tests on the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDriver(cmd.Flags())
		if err != nil {
			return err
		}
		if printConfig, _ := cmd.Flags().GetBool("print-config"); printConfig {
			return config.Print(cfg)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stderr})

		listing, err := testlisting.Load(cfg.BuildDir)
		if err != nil {
			return err
		}

		c, err := client.New(cfg.Broker)
		if err != nil {
			return err
		}
		defer c.Close()

		layerPaths, _ := cmd.Flags().GetStringArray("layer")
		var layers []jobspec.LayerSpec
		for _, path := range layerPaths {
			d, err := c.AddArtifact(path, jobspec.ArtifactTar)
			if err != nil {
				return err
			}
			layers = append(layers, jobspec.LayerSpec{Digest: d, Kind: jobspec.ArtifactTar})
		}

		include, _ := cmd.Flags().GetStringArray("include")
		exclude, _ := cmd.Flags().GetStringArray("exclude")
		timeout, _ := cmd.Flags().GetUint32("timeout")
		quiet, _ := cmd.Flags().GetBool("quiet")
		program, _ := cmd.Flags().GetString("program")

		kind := progress.Bar
		if quiet {
			kind = progress.Quiet
		}
		summary, err := testrunner.Run(listingEnumerator{listing: listing}, c, testrunner.Options{
			Include:        include,
			Exclude:        exclude,
			TimeoutSeconds: timeout,
			Indicator:      progress.New(kind, os.Stdout),
			SpecFor: func(tc testrunner.TestCase) *jobspec.JobSpec {
				return &jobspec.JobSpec{
					Program:   program,
					Arguments: []string{tc.Package, tc.Name},
					Layers:    layers,
					Mounts: []jobspec.MountRequest{
						{Type: jobspec.MountProc, MountPoint: "/proc"},
						{Type: jobspec.MountTmpfs, MountPoint: "/tmp"},
					},
				}
			},
		})
		if err != nil {
			return err
		}
		os.Exit(summary.ExitCode())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:       "list {tests|binaries|packages}",
	Short:     "List known tests, binaries, or packages from the last listing",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"tests", "binaries", "packages"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDriver(cmd.Flags())
		if err != nil {
			return err
		}
		if printConfig, _ := cmd.Flags().GetBool("print-config"); printConfig {
			return config.Print(cfg)
		}

		listing, err := testlisting.Load(cfg.BuildDir)
		if err != nil {
			return err
		}

		seen := map[string]bool{}
		for pkg, artifacts := range listing {
			switch args[0] {
			case "packages":
				seen[pkg] = true
			case "binaries":
				for binary := range artifacts {
					seen[binary] = true
				}
			case "tests":
				for _, set := range artifacts {
					for _, name := range set.Cases {
						seen[pkg+"::"+name] = true
					}
				}
			default:
				return fmt.Errorf("unknown listing kind %q", args[0])
			}
		}

		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}
