package main

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.GitCommit=... -X main.BuildDate=..."
var (
	GitCommit string
	BuildDate string
)

const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

func VersionWithCommit(gitCommit string) string {
	vsn := Version
	if len(gitCommit) >= 8 {
		vsn += "-" + gitCommit[:8]
	}
	return vsn
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	// go-ethereum decides the ABI and RPC behaviour the relay speaks
	GethVersion string `json:"geth_version,omitempty"`
}

func buildInfo() versionInfo {
	info := versionInfo{
		Version:   VersionWithCommit(GitCommit),
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/ethereum/go-ethereum" {
				info.GethVersion = dep.Version
			}
		}
		if info.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
					info.Version = VersionWithCommit(s.Value)
				}
			}
		}
	}
	return info
}

var versionLong bool

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the relay version",
	Aliases: []string{"V"},
	Args:    cobra.NoArgs,
	RunE:    versionRun,
}

func init() {
	versionCmd.Flags().BoolVarP(&versionLong, "long", "l", false, "print build details as JSON")
}

func versionRun(cmd *cobra.Command, args []string) error {
	info := buildInfo()
	if !versionLong {
		fmt.Fprintln(cmd.OutOrStdout(), info.Version)
		return nil
	}
	dat, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(dat))
	return nil
}
