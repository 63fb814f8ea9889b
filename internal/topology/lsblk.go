package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Lsblk queries the block device tree with the lsblk utility.
type Lsblk struct {
	Path string // binary path or name, "lsblk" when empty
}

func (l Lsblk) BlockDevices(ctx context.Context) ([]BlockDevice, error) {
	path := l.Path
	if path == "" {
		path = "lsblk"
	}

	cmd := exec.CommandContext(ctx, path, "-o", "NAME,KNAME,TYPE,FSTYPE,MOUNTPOINT", "-J")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running lsblk: %w", err)
	}
	return decodeLsblk(out)
}

type lsblkReport struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

func decodeLsblk(raw []byte) ([]BlockDevice, error) {
	var report lsblkReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decoding lsblk output: %w", err)
	}
	return report.BlockDevices, nil
}
