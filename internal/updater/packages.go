package updater

import (
	"fmt"
	"strings"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// Remote commands.
const (
	cmdCheckRefresh   = "apt update 2>&1"
	cmdListUpgradable = `apt list --upgradable 2>/dev/null | grep -v "Listing..."`
	cmdRefresh        = "apt-get update"
	cmdUpgrade        = "DEBIAN_FRONTEND=noninteractive apt-get -y upgrade"
)

var kernelPrefixes = []string{"proxmox-kernel", "pve-kernel", "linux-image"}

func rebootCheckCommand(marker string) string {
	return fmt.Sprintf(`test -f %s && echo "yes" || echo "no"`, marker)
}

// ParseUpgradable parses `apt list --upgradable` output. Lines look like
//
//	pve-manager/stable 8.1.4 amd64 [upgradable from: 8.1.3]
//
// Lines that do not match are returned unparsed.
func ParseUpgradable(output string) ([]domain.PackageUpdate, []string) {
	var pkgs []domain.PackageUpdate
	var unparsed []string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing...") {
			continue
		}
		pkg, ok := parseUpgradableLine(line)
		if !ok {
			unparsed = append(unparsed, line)
			continue
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, unparsed
}

func parseUpgradableLine(line string) (domain.PackageUpdate, bool) {
	name, rest, ok := strings.Cut(line, "/")
	if !ok || name == "" {
		return domain.PackageUpdate{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return domain.PackageUpdate{}, false
	}

	pkg := domain.PackageUpdate{Name: name, Version: fields[1]}
	for _, p := range kernelPrefixes {
		if strings.HasPrefix(name, p) {
			pkg.Kernel = true
			break
		}
	}
	// Kernel metapackages may carry a trailing "[...]" glued to the version.
	if pkg.Kernel {
		pkg.Version, _, _ = strings.Cut(pkg.Version, "[")
	}
	return pkg, true
}
