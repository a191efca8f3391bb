package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr error
	}{
		{in: "32G", want: 32 << 30},
		{in: "512M", want: 512 << 20},
		{in: "1.5G", want: 3 << 29},
		{in: "2T", want: 2 << 40},
		{in: "8P", wantErr: ErrUnknownSizeUnit},
		{in: "100", wantErr: ErrUnknownSizeUnit},
		{in: "G", wantErr: ErrInvalidArgument},
		{in: "xG", wantErr: ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDiskAttachment(t *testing.T) {
	d, err := ParseDiskAttachment("scsi0", "local-lvm:vm-100-disk-0,iothread=1,size=32G")
	require.NoError(t, err)
	assert.Equal(t, "local-lvm", d.Storage)
	assert.Equal(t, "vm-100-disk-0", d.Volume)
	assert.True(t, d.HasSize)
	assert.Equal(t, int64(32<<30), d.Size)
	assert.True(t, d.OnLocalStorage([]string{"local"}))

	d, err = ParseDiskAttachment("ide2", "none,media=cdrom")
	require.NoError(t, err)
	assert.False(t, d.HasSize)
	assert.False(t, d.OnLocalStorage([]string{"local"}))

	_, err = ParseDiskAttachment("virtio1", "ceph:vm-1-disk-1,size=4Q")
	assert.ErrorIs(t, err, ErrUnknownSizeUnit)
}

func TestIsDiskKey(t *testing.T) {
	assert.True(t, IsDiskKey(GuestKindVM, "scsi0"))
	assert.True(t, IsDiskKey(GuestKindVM, "sata3"))
	assert.False(t, IsDiskKey(GuestKindVM, "scsihw"))
	assert.False(t, IsDiskKey(GuestKindVM, "unused0"))
	assert.True(t, IsDiskKey(GuestKindContainer, "rootfs"))
	assert.True(t, IsDiskKey(GuestKindContainer, "mp0"))
	assert.False(t, IsDiskKey(GuestKindContainer, "scsi0"))
	assert.False(t, IsDiskKey(GuestKindVM, "efidisk0"))
}

func TestIsVolumeKey(t *testing.T) {
	assert.True(t, IsVolumeKey(GuestKindVM, "virtio0"))
	assert.True(t, IsVolumeKey(GuestKindVM, "efidisk0"))
	assert.True(t, IsVolumeKey(GuestKindVM, "tpmstate0"))
	assert.False(t, IsVolumeKey(GuestKindVM, "unused0"))
	assert.False(t, IsVolumeKey(GuestKindContainer, "efidisk0"))
	assert.True(t, IsVolumeKey(GuestKindContainer, "rootfs"))
}
