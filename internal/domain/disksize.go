package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SizeUnit is a binary size suffix used in guest disk declarations.
type SizeUnit byte

const (
	SizeUnitKiB SizeUnit = 'K'
	SizeUnitMiB SizeUnit = 'M'
	SizeUnitGiB SizeUnit = 'G'
	SizeUnitTiB SizeUnit = 'T'
)

// Bytes returns the multiplier of the unit.
func (u SizeUnit) Bytes() (int64, error) {
	switch u {
	case SizeUnitKiB:
		return 1 << 10, nil
	case SizeUnitMiB:
		return 1 << 20, nil
	case SizeUnitGiB:
		return 1 << 30, nil
	case SizeUnitTiB:
		return 1 << 40, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSizeUnit, string(u))
}

// ParseSize parses values like "32G" or "512M" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: size %q", ErrInvalidArgument, s)
	}
	unit := SizeUnit(s[len(s)-1])
	mult, err := unit.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: size %q", ErrInvalidArgument, s)
	}
	return int64(n * float64(mult)), nil
}

var (
	vmDiskKey        = regexp.MustCompile(`^(scsi|virtio|ide|sata)\d+$`)
	vmFirmwareKey    = regexp.MustCompile(`^(efidisk|tpmstate)\d+$`)
	containerDiskKey = regexp.MustCompile(`^(rootfs|mp\d+)$`)
)

// IsDiskKey reports whether a guest config key declares a disk attachment.
func IsDiskKey(kind GuestKind, key string) bool {
	if kind == GuestKindContainer {
		return containerDiskKey.MatchString(key)
	}
	return vmDiskKey.MatchString(key)
}

// IsVolumeKey reports whether a guest config key references a storage
// volume that moves with the guest: its disks plus, for VMs, the EFI vars
// and TPM state volumes. Those are not counted as disk capacity.
func IsVolumeKey(kind GuestKind, key string) bool {
	if IsDiskKey(kind, key) {
		return true
	}
	return kind == GuestKindVM && vmFirmwareKey.MatchString(key)
}

// DiskAttachment is one parsed disk declaration from a guest config.
type DiskAttachment struct {
	Key     string
	Storage string
	Volume  string
	Size    int64
	HasSize bool
	Options map[string]string
}

// ParseDiskAttachment parses "storage:volume,opt=val,..." declarations.
func ParseDiskAttachment(key, value string) (*DiskAttachment, error) {
	fields := strings.Split(value, ",")
	d := &DiskAttachment{Key: key, Options: make(map[string]string)}

	head := strings.TrimSpace(fields[0])
	if storage, volume, ok := strings.Cut(head, ":"); ok {
		d.Storage = storage
		d.Volume = volume
	} else {
		d.Volume = head
	}

	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			continue
		}
		d.Options[k] = v
	}

	if raw, ok := d.Options["size"]; ok {
		size, err := ParseSize(raw)
		if err != nil {
			return d, fmt.Errorf("failed to parse size of %s: %w", key, err)
		}
		d.Size = size
		d.HasSize = true
	}
	return d, nil
}

// OnLocalStorage reports whether the attachment lives on node-local storage.
func (d *DiskAttachment) OnLocalStorage(localPrefixes []string) bool {
	for _, p := range localPrefixes {
		if p != "" && strings.HasPrefix(d.Storage, p) {
			return true
		}
	}
	return false
}
