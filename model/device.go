package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// DeviceKind is the type of a compute device.
type DeviceKind string

const (
	CPU  DeviceKind = "cpu"
	CUDA DeviceKind = "cuda"
)

// Device is a compute device. Index is only meaningful for accelerators.
type Device struct {
	Kind  DeviceKind
	Index int
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Kind == CPU {
		return string(CPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// NumAccelerators returns the number of CUDA devices visible to the process.
// It can be overridden for testing.
var NumAccelerators = func() int {
	if visible, found := os.LookupEnv("CUDA_VISIBLE_DEVICES"); found {
		visible = strings.TrimSpace(visible)
		if visible == "" || visible == "-1" {
			return 0
		}
		return len(strings.Split(visible, ","))
	}
	matches, _ := filepath.Glob("/dev/nvidia[0-9]*")
	return len(matches)
}

// SelectDevice picks the device for a process: the accelerator of its local rank in distributed
// runs, the first accelerator otherwise, or the CPU if accelerators are disabled or missing.
func SelectDevice(noCUDA bool, localRank int) Device {
	if noCUDA {
		return Device{Kind: CPU}
	}
	n := NumAccelerators()
	if n == 0 {
		return Device{Kind: CPU}
	}
	if localRank >= 0 {
		if localRank >= n {
			klog.Warningf("local rank %d has no accelerator (%d visible), using the CPU", localRank, n)
			return Device{Kind: CPU}
		}
		return Device{Kind: CUDA, Index: localRank}
	}
	return Device{Kind: CUDA}
}

// Place moves the model to the device if it supports placement. If the device can't be used, the
// model stays on the CPU and a warning is logged. It returns the device actually used.
func Place(m Model, device Device) Device {
	placer, ok := m.(Placer)
	if !ok {
		if device.Kind != CPU {
			klog.Warningf("model %s can't be placed on %s, running on the CPU", m.Arch(), device)
		}
		return Device{Kind: CPU}
	}
	if err := placer.To(device); err != nil {
		if device.Kind == CPU {
			klog.Warningf("failed to place model on the CPU: %+v", err)
			return device
		}
		klog.Warningf("device %s unavailable (%v), falling back to the CPU", device, err)
		if err := placer.To(Device{Kind: CPU}); err != nil {
			klog.Warningf("failed to place model on the CPU: %+v", err)
		}
		return Device{Kind: CPU}
	}
	return device
}
