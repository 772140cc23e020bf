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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"libvirt.org/go/libvirt"

	"github.com/virtglass/virtglass/internal/util/gracefulshutdown"
	"github.com/virtglass/virtglass/internal/util/httputil"
	"github.com/virtglass/virtglass/internal/util/logging"
	"github.com/virtglass/virtglass/internal/util/tlsutil"
	"github.com/virtglass/virtglass/pkg/display"
	"github.com/virtglass/virtglass/pkg/guestagent"
	"github.com/virtglass/virtglass/pkg/hypervisor"
	"github.com/virtglass/virtglass/pkg/network"
	"github.com/virtglass/virtglass/pkg/passthrough"
	"github.com/virtglass/virtglass/pkg/vmm"
)

const Name = "virtglass"

const usage = `usage: virtglass <command> [args]

commands:
  create  -f <machine.json>      define a machine and provision its disk
  start   <name> [--paused]      start a machine
  stop    <name> [--force]       stop a machine (graceful with escalation)
  reboot  <name>                 signal a guest reboot
  pause   <name>                 suspend a machine
  resume  <name>                 resume a paused machine
  reset   <name>                 hard-reset a machine
  state   <name>                 print the live machine state
  list                           list defined machines
  destroy <name>                 delete a machine and its artifacts
  gpus                           list host GPUs and their IOMMU groups
  display <name>                 open a display session
  fullscreen <name>              toggle the persisted fullscreen mode
  agent   <name> <kind> [json]   send a guest agent command
  daemon                         run the supervising daemon
`

func main() {
	config, err := LoadConfig(os.Getenv(ConfigPathEnvKey))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{Development: config.DevelopmentMode})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	app, err := newApp(config, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() { _ = app.conn.Close() }()

	if err := app.run(os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// app wires the components behind the subcommands.
type app struct {
	config  *Config
	log     *slog.Logger
	conn    *hypervisor.Connection
	binder  *passthrough.Binder
	store   *vmm.Store
	manager *vmm.Manager
	display *display.Manager
}

func newApp(config *Config, logger *slog.Logger) (*app, error) {
	conn := hypervisor.New(config.HypervisorURI, logger)

	quirks, err := passthrough.LoadQuirkDB(config.QuirkDBPath)
	if err != nil {
		return nil, err
	}
	binder := passthrough.NewBinder(logger, passthrough.WithQuirkDB(quirks))

	storeDir := config.StoreDir
	if storeDir == "" {
		storeDir, err = vmm.DefaultStoreDir()
		if err != nil {
			return nil, err
		}
	}
	store, err := vmm.NewStore(storeDir)
	if err != nil {
		return nil, err
	}

	displayMgr, err := display.NewManager(store, logger,
		display.WithConnectURI(config.HypervisorURI))
	if err != nil {
		return nil, err
	}

	networkMgr, err := network.NewManager(conn, logger)
	if err != nil {
		return nil, err
	}

	manager, err := vmm.NewManager(conn, binder, store, logger,
		vmm.WithDiskDir(config.DiskDir),
		vmm.WithDisplayCloser(displayMgr),
		vmm.WithNetworkEnsurer(networkMgr),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		config:  config,
		log:     logger,
		conn:    conn,
		binder:  binder,
		store:   store,
		manager: manager,
		display: displayMgr,
	}, nil
}

func (a *app) run(command string, args []string) error {
	switch command {
	case "create":
		return a.create(args)
	case "start":
		return a.start(args)
	case "stop":
		return a.stop(args)
	case "reboot":
		return a.named(args, func(name string) error {
			return a.manager.Stop(name, vmm.StopReboot, 0)
		})
	case "pause":
		return a.named(args, a.manager.Pause)
	case "resume":
		return a.named(args, a.manager.Resume)
	case "reset":
		return a.named(args, a.manager.Reset)
	case "state":
		return a.state(args)
	case "list":
		return a.list()
	case "destroy":
		return a.destroy(args)
	case "gpus":
		return a.gpus()
	case "display":
		return a.openDisplay(args)
	case "fullscreen":
		return a.fullscreen(args)
	case "agent":
		return a.agent(args)
	case "daemon":
		return a.daemon()
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) named(args []string, fn func(name string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("machine name required")
	}
	return fn(args[0])
}

func (a *app) create(args []string) error {
	if len(args) != 2 || args[0] != "-f" {
		return fmt.Errorf("usage: virtglass create -f <machine.json>")
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	var cfg vmm.MachineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", args[1], err)
	}

	machine, err := a.manager.Build(cfg)
	if err != nil {
		return err
	}
	printWarnings(machine.Warnings)
	fmt.Printf("created machine %s (%s)\n", machine.Name, machine.UUID)
	return nil
}

func (a *app) start(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("machine name required")
	}
	opts := vmm.StartOptions{}
	for _, arg := range args[1:] {
		if arg == "--paused" {
			opts.Paused = true
		}
	}

	warnings, err := a.manager.Start(args[0], opts)
	printWarnings(warnings)
	if err != nil {
		return err
	}

	record, err := a.store.Load(args[0])
	if err != nil {
		return err
	}
	if record.Config.Display.AutoStart {
		transport, err := a.display.Start(context.Background(), args[0])
		if err != nil {
			a.log.Warn("machine started but display session failed",
				"machine", args[0], "error", err)
		} else {
			fmt.Printf("display session: %s\n", transport)
		}
	}
	return nil
}

func (a *app) stop(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("machine name required")
	}
	method := vmm.StopGraceful
	for _, arg := range args[1:] {
		if arg == "--force" {
			method = vmm.StopForce
		}
	}
	return a.manager.Stop(args[0], method, vmm.DefaultStopTimeout)
}

func (a *app) state(args []string) error {
	return a.named(args, func(name string) error {
		state, err := a.manager.GetState(name)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	})
}

func (a *app) list() error {
	machines, err := a.store.List()
	if err != nil {
		return err
	}
	for _, m := range machines {
		state, err := a.manager.GetState(m.Name)
		if err != nil {
			state = vmm.StateUndefined
		}
		gpu := m.Config.GPUAddress
		if gpu == "" {
			gpu = "-"
		}
		fmt.Printf("%-24s %-10s vcpus=%d mem=%dMiB gpu=%s\n",
			m.Name, state, m.Config.VCPUs, m.Config.MemoryMB, gpu)
	}
	return nil
}

func (a *app) destroy(args []string) error {
	return a.named(args, func(name string) error {
		warnings, err := a.manager.Destroy(name)
		printWarnings(warnings)
		if err != nil {
			return err
		}
		fmt.Printf("destroyed machine %s\n", name)
		return nil
	})
}

func (a *app) gpus() error {
	gpus, err := a.binder.DiscoverGPUs()
	if err != nil {
		return err
	}
	for _, gpu := range gpus {
		group := fmt.Sprintf("%d", gpu.IOMMUGroup)
		if gpu.IOMMUGroup < 0 {
			group = "none"
		}
		boot := ""
		if gpu.BootVGA {
			boot = " boot-display"
		}
		fmt.Printf("%s  %s  driver=%s iommu-group=%s%s\n",
			gpu.Address, gpu.Name, gpu.Driver, group, boot)
	}
	return nil
}

func (a *app) openDisplay(args []string) error {
	return a.named(args, func(name string) error {
		transport, err := a.display.Start(context.Background(), name)
		if err != nil {
			return err
		}
		fmt.Printf("display session: %s\n", transport)
		return nil
	})
}

func (a *app) fullscreen(args []string) error {
	return a.named(args, func(name string) error {
		fullscreen, err := a.display.ToggleFullscreen(context.Background(), name)
		if err != nil {
			return err
		}
		fmt.Printf("fullscreen: %v\n", fullscreen)
		return nil
	})
}

func (a *app) agent(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: virtglass agent <name> <kind> [json]")
	}
	name, kind := args[0], guestagent.CommandKind(args[1])

	var data any
	if len(args) > 2 {
		raw := json.RawMessage(args[2])
		if !json.Valid(raw) {
			return fmt.Errorf("payload is not valid JSON")
		}
		data = raw
	}

	record, err := a.store.Load(name)
	if err != nil {
		return err
	}

	client := guestagent.NewClient(agentChannelConfig(record), a.log)
	if err := client.Connect(); err != nil {
		return err
	}
	defer func() { _ = client.Disconnect() }()

	resp, err := client.Send(kind, data, guestagent.DefaultSendTimeout)
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Println("no response (agent unreachable or busy)")
		return nil
	}
	if !resp.Success {
		return fmt.Errorf("agent error: %s", resp.Error)
	}
	if len(resp.Data) > 0 {
		fmt.Println(string(resp.Data))
	} else {
		fmt.Println("ok")
	}
	return nil
}

// agentChannelConfig assembles the guest channel endpoints from the machine
// record: the local socket always, vsock or TCP when the build configured
// them, and the machine's issued credentials for the off-host transports.
func agentChannelConfig(record *vmm.Machine) guestagent.Config {
	cfg := guestagent.Config{
		VMName:     record.Name,
		SocketPath: vmm.AgentSocketPath(record.Name),
		VsockCID:   record.Config.Agent.VsockCID,
		TCPPort:    record.Config.Agent.TCPPort,
	}
	if creds := record.AgentCreds; creds != nil {
		cfg.TLS = &tlsutil.Config{
			CertPath:   creds.CertPath,
			KeyPath:    creds.KeyPath,
			CAPath:     creds.CAPath,
			ServerName: record.Name,
		}
	}
	return cfg
}

// daemon serves metrics and supervises display sessions: it follows domain
// lifecycle events and opens or closes sessions for machines whose records
// ask for auto-start. Blocks until a shutdown signal drains everything.
func (a *app) daemon() error {
	a.log.Info("starting virtglass daemon", "metricsBind", a.config.MetricsBind)

	if err := a.conn.Connect(); err != nil {
		return err
	}

	err := a.conn.SubscribeLifecycle(func(event hypervisor.LifecycleEvent) {
		a.handleLifecycleEvent(event)
	})
	if err != nil {
		return err
	}

	gs := gracefulshutdown.New(Name)

	go func() {
		for exit := range a.display.Exits() {
			a.log.Info("display session exited",
				"machine", exit.VM, "transport", exit.Transport, "error", exit.Err)
		}
	}()

	httputil.Serve(map[string]*http.Server{
		"metrics": setupMetricsServer(a.config),
	}, gs)
	return nil
}

func (a *app) handleLifecycleEvent(event hypervisor.LifecycleEvent) {
	record, err := a.store.Load(event.Domain)
	if err != nil {
		// Not one of ours.
		return
	}

	switch event.Type {
	case libvirt.DOMAIN_EVENT_STARTED:
		if !record.Config.Display.AutoStart {
			return
		}
		if _, err := a.display.Start(context.Background(), event.Domain); err != nil {
			a.log.Warn("auto-start display session failed",
				"machine", event.Domain, "error", err)
		}
	case libvirt.DOMAIN_EVENT_STOPPED, libvirt.DOMAIN_EVENT_CRASHED:
		if err := a.display.Close(event.Domain); err != nil {
			a.log.Warn("failed to close display session",
				"machine", event.Domain, "error", err)
		}
	}
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}
