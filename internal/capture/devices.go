package capture

import (
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers V4L2 cameras
)

// DeviceInfo describes one video input found on the system.
type DeviceInfo struct {
	ID    string
	Label string
}

// ListDevices enumerates the video inputs known to the camera driver registry.
func ListDevices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, DeviceInfo{ID: d.DeviceID, Label: d.Label})
	}
	return out
}
