// Prints the version of this checkout, derived from the nearest git tag.
// Run as 'go run ./scripts/version.go'.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"github.com/Masterminds/semver"
)

// versionPackage receives the build information; it also feeds the
// build_info metric and the -version output of both commands.
const versionPackage = "github.com/prometheus/common/version"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Outputs the current version number for this repo\nUsage:\n")
		flag.PrintDefaults()
	}
	ldflags := flag.Bool("g", false, "print -ldflags values for go build instead of just the version")
	next := flag.Bool("next", false, "print the next patch version for tagging")
	flag.Parse()

	desc, err := git("describe", "--always", "--tags", "--dirty")
	if err != nil {
		log.Fatalf("git describe failed: %v", err)
	}

	ver, err := parseVersion(desc)
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case *next:
		nextVer := ver.IncPatch()
		fmt.Println(&nextVer)
	case *ldflags:
		flags, err := buildFlags(ver)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(flags)
	default:
		fmt.Println(ver)
	}
}

func buildFlags(ver *semver.Version) (string, error) {
	branch, err := git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}

	revision, err := git("rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}

	u, err := user.Current()
	if err != nil {
		return "", err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}

	vars := [][2]string{
		{"Branch", branch},
		{"Version", ver.String()},
		{"Revision", revision},
		{"BuildUser", u.Username + "@" + hostname},
	}

	var b strings.Builder
	for _, v := range vars {
		fmt.Fprintf(&b, "-X %s.%s=%s ", versionPackage, v[0], v[1])
	}

	return strings.TrimSpace(b.String()), nil
}

func git(args ...string) (string, error) {
	out, err := exec.Command("git", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// parseVersion turns 'git describe' output into a semantic version. Builds
// between tags are prereleases of the following patch version.
func parseVersion(in string) (*semver.Version, error) {
	ver, err := semver.NewVersion(in)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", in, err)
	}

	v := *ver
	switch {
	case v.Prerelease() != "":
		// the first IncPatch only strips the prerelease
		v = v.IncPatch().IncPatch()
	case v.Metadata() != "":
		v = v.IncPatch()
	default:
		return ver, nil
	}

	v, _ = v.SetPrerelease(ver.Prerelease())
	v, _ = v.SetMetadata(ver.Metadata())

	return &v, nil
}
