package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenRemoteIO/internal/config"
	"github.com/KevinKickass/OpenRemoteIO/internal/devices"
	"github.com/KevinKickass/OpenRemoteIO/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State         string `json:"state"`
	Interface     string `json:"interface"`
	Channel       string `json:"channel"`
	NodeCount     int    `json:"node_count"`
	AliveNodes    int    `json:"alive_nodes"`
	MockCount     int    `json:"mock_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Journal       bool   `json:"journal"`
}

type LifecycleManager interface {
	Config() *config.Config
	NodeManager() *devices.Manager
	// Frames is nil when the journal is disabled.
	Frames() storage.FrameReader
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
