package updater

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/limiquantix/clustermaint/internal/domain"
)

func TestParseUpgradable(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		want     []domain.PackageUpdate
		unparsed []string
	}{
		{
			name:   "empty output",
			output: "",
		},
		{
			name:   "listing header only",
			output: "Listing... Done\n",
		},
		{
			name: "regular packages",
			output: "pve-manager/stable 8.1.4 amd64 [upgradable from: 8.1.3]\n" +
				"libc6/stable-security 2.36-9+deb12u4 amd64 [upgradable from: 2.36-9+deb12u3]\n",
			want: []domain.PackageUpdate{
				{Name: "pve-manager", Version: "8.1.4"},
				{Name: "libc6", Version: "2.36-9+deb12u4"},
			},
		},
		{
			name:   "kernel package strips bracket suffix",
			output: "proxmox-kernel-6.5/stable 6.5.13-1[amd64] all\n",
			want: []domain.PackageUpdate{
				{Name: "proxmox-kernel-6.5", Version: "6.5.13-1", Kernel: true},
			},
		},
		{
			name:     "unparseable line kept",
			output:   "WARNING: apt does not have a stable CLI interface.\npve-qemu-kvm/stable 8.1.5-3 amd64\n",
			want:     []domain.PackageUpdate{{Name: "pve-qemu-kvm", Version: "8.1.5-3"}},
			unparsed: []string{"WARNING: apt does not have a stable CLI interface."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unparsed := ParseUpgradable(tt.output)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.unparsed, unparsed)
		})
	}
}

func TestNodeError_Messages(t *testing.T) {
	assert.Equal(t, "Node pve9 not found", (&NodeError{Node: "pve9", op: opLookup}).Error())
	assert.Equal(t, "IP address not found for node pve2", (&NodeError{Node: "pve2", op: opAddress}).Error())
	assert.Equal(t, "SSH operation failed for node pve1: boom",
		(&NodeError{Node: "pve1", op: opShell, Err: errors.New("boom")}).Error())
}

