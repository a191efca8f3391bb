package collector

import (
	"sort"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/proxmox"
)

// diskTotal sums the declared sizes of a guest's disk attachments.
// Attachments whose size cannot be parsed are reported and left out.
func diskTotal(kind domain.GuestKind, cfg proxmox.GuestConfig) (int64, []error) {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		if domain.IsDiskKey(kind, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var total int64
	var errs []error
	for _, k := range keys {
		disk, err := domain.ParseDiskAttachment(k, cfg.String(k))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if disk.Options["media"] == "cdrom" {
			continue
		}
		if disk.HasSize {
			total += disk.Size
		}
	}
	return total, errs
}
