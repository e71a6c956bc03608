//go:build !linux

package capture

import "github.com/pkg/errors"

func openWebcam(path string, width, height int) (Source, error) {
	return nil, errors.New("v4l2 capture is only available on linux")
}

// ListDevices has no device enumeration outside linux; use ffmpeg's own listing.
func ListDevices() ([]DeviceInfo, error) {
	return nil, nil
}
