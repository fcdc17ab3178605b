//go:build linux

package ringstore

import "tagring/constants"

// defaultDir is the tmpfs mount shared by every process on the host.
func defaultDir() string { return constants.ShmDir }
