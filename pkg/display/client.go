// Copyright 2025 The virtglass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package display

import "github.com/virtglass/virtglass/pkg/vmm"

// Resource thresholds separating the two client tiers. Machines at or above
// either threshold get the high tier.
const (
	highTierMemoryMB = 8192
	highTierVCPUs    = 6
)

// highTier classifies the machine by its provisioned resources. A machine
// with plenty of memory or cores can afford an uncapped client; a small one
// gets conservative settings so the client does not compete with the guest.
func highTier(cfg *vmm.MachineConfig) bool {
	return cfg.MemoryMB >= highTierMemoryMB || cfg.VCPUs >= highTierVCPUs
}

// clientArgs builds the shared-memory client invocation for the machine's
// resource tier and persisted display mode.
func clientArgs(shmPath string, cfg *vmm.MachineConfig) []string {
	args := []string{
		"app:shmFile=" + shmPath,
		"win:title=" + cfg.Name,
		"win:quickSplash=yes",
	}

	if highTier(cfg) {
		args = append(args,
			"win:size=1920x1080",
			"egl:vsync=no",
			"win:fpsLimit=0",
		)
	} else {
		args = append(args,
			"win:size=1280x720",
			"egl:vsync=yes",
			"win:fpsLimit=60",
		)
	}

	if cfg.Display.Fullscreen {
		args = append(args, "win:fullScreen=yes")
	}
	return args
}

// viewerArgs builds the remote viewer invocation. The viewer attaches to the
// machine's graphics device through the hypervisor rather than dialing a
// display port, so it works without knowing the autoport assignment.
func viewerArgs(connectURI, vmName string, cfg *vmm.MachineConfig) []string {
	args := []string{
		"--connect", connectURI,
		"--attach",
		"--wait",
	}
	if cfg.Display.Fullscreen {
		args = append(args, "--full-screen")
	}
	return append(args, vmName)
}
