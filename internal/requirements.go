package internal

import (
	"regexp"
	"strings"
)

// PackageStatus classifies the installed package set against the
// bundled requirement manifests.
type PackageStatus string

const (
	// PackagesOK means both manifests report no changes.
	PackagesOK PackageStatus = "OK"
	// PackagesUpgrade is the soft-fail state: the environment drifts
	// from the manifests, but in a way remediated by reinstalling
	// packages rather than recreating the environment.
	PackagesUpgrade PackageStatus = "package-upgrade"
)

// Known additive drift after dependency bumps shipped with app
// updates. A dry-run diff consisting only of these names is an
// expected upgrade, not a broken environment. Declarative tables so a
// new release only appends names here.
var coreUpgradeAllowList = map[string]struct{}{
	"av":                         {},
	"comfyui-frontend-package":   {},
	"comfyui-workflow-templates": {},
	"comfyui-embedded-docs":      {},
	"pydantic":                   {},
	"pydantic-settings":          {},
	"alembic":                    {},
	"sqlalchemy":                 {},
}

var managerUpgradeAllowList = map[string]struct{}{
	"uv":            {},
	"chardet":       {},
	"toml":          {},
	"rich":          {},
	"typer":         {},
	"click":         {},
	"mixpanel":      {},
	"matrix-client": {},
}

// DryRunDiff is the parsed form of a package manager's install
// simulation output.
type DryRunDiff struct {
	NoChanges bool
	Additions []string
	Removals  []string
}

var (
	noChangesRe = regexp.MustCompile(`(?i)would make no changes`)
	additionRe  = regexp.MustCompile(`^\s*\+\s+([A-Za-z0-9_.-]+)==`)
	removalRe   = regexp.MustCompile(`^\s*-\s+([A-Za-z0-9_.-]+)==`)
)

// ParseDryRunDiff extracts package additions and removals from dry-run
// output text.
func ParseDryRunDiff(out string) DryRunDiff {
	diff := DryRunDiff{}
	if noChangesRe.MatchString(out) {
		diff.NoChanges = true
	}
	for _, line := range strings.Split(out, "\n") {
		if m := additionRe.FindStringSubmatch(line); m != nil {
			diff.Additions = append(diff.Additions, strings.ToLower(m[1]))
			continue
		}
		if m := removalRe.FindStringSubmatch(line); m != nil {
			diff.Removals = append(diff.Removals, strings.ToLower(m[1]))
		}
	}
	return diff
}

// IsKnownUpgrade reports whether every changed package in diff is drawn
// from the allow list. Removals of unrecognized packages disqualify;
// removals of allow-listed names are part of a normal version bump.
func IsKnownUpgrade(diff DryRunDiff, allow map[string]struct{}) bool {
	if diff.NoChanges {
		return false
	}
	if len(diff.Additions) == 0 && len(diff.Removals) == 0 {
		return false
	}
	for _, name := range diff.Additions {
		if _, ok := allow[name]; !ok {
			return false
		}
	}
	for _, name := range diff.Removals {
		if _, ok := allow[name]; !ok {
			return false
		}
	}
	return true
}

// ClassifyRequirementDiffs folds the per-manifest dry-run outputs into
// a single status. Any change in either manifest yields the soft
// PackagesUpgrade status, whether or not it is an allow-listed
// upgrade: unexplained drift is surfaced for attention rather than
// failed hard or silently passed. Transport problems are the caller's
// concern; this function never errors.
func ClassifyRequirementDiffs(coreOut, managerOut string) PackageStatus {
	core := ParseDryRunDiff(coreOut)
	manager := ParseDryRunDiff(managerOut)
	if core.NoChanges && manager.NoChanges {
		return PackagesOK
	}
	return PackagesUpgrade
}
