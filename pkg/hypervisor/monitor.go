// Package hypervisor launches and supervises one cloud-hypervisor
// subprocess per running VM, and builds the cloud-init seed ISO a VM
// with user_data boots from.
package hypervisor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/types"
)

// DiskSpec is one `--disk path=...` argument.
type DiskSpec struct {
	Path     string
	ReadOnly bool
}

// NetSpec is one `--net` argument naming a TAP interface.
type NetSpec struct {
	TapName string
	MAC     string
}

// LaunchSpec is everything Start needs to build a cloud-hypervisor
// command line for one VM.
type LaunchSpec struct {
	VM         *types.VM
	KernelPath string
	Disks      []DiskSpec
	Nets       []NetSpec
	SeedISO    string // optional, passed as an extra readonly disk
}

// Instance tracks one running cloud-hypervisor subprocess.
type Instance struct {
	vmID       string
	cmd        *exec.Cmd
	apiSocket  string
	httpClient *http.Client
}

// Monitor supervises every VM's hypervisor subprocess on this node,
// structured the same way pkg/embedded's Lima VM manager tracks one
// subprocess's lifecycle (start, wait-for-ready, graceful stop,
// forcible stop) but multiplexed over many VMs instead of one.
type Monitor struct {
	mu        sync.Mutex
	instances map[string]*Instance
	binary    string
	runDir    string
}

func NewMonitor(binary, runDir string) *Monitor {
	if binary == "" {
		binary = "cloud-hypervisor"
	}
	return &Monitor{instances: map[string]*Instance{}, binary: binary, runDir: runDir}
}

func (m *Monitor) IsRunning(vmID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[vmID]
	return ok
}

// Start launches the subprocess and waits for the API socket to
// accept connections before returning.
func (m *Monitor) Start(ctx context.Context, spec LaunchSpec) error {
	m.mu.Lock()
	if _, exists := m.instances[spec.VM.ID]; exists {
		m.mu.Unlock()
		return nil // already running: reconcile is idempotent
	}
	m.mu.Unlock()

	apiSocket := fmt.Sprintf("%s/%s.sock", m.runDir, spec.VM.ID)
	serialSocket := fmt.Sprintf("%s/%s.serial.sock", m.runDir, spec.VM.ID)

	args := []string{
		"--api-socket", "path=" + apiSocket,
		"--serial", "socket=" + serialSocket,
		"--console", "off",
		"--kernel", spec.KernelPath,
		"--cpus", fmt.Sprintf("boot=%d", spec.VM.CPUCores),
		"--memory", fmt.Sprintf("size=%dM", spec.VM.MemoryMB),
	}
	diskArg := ""
	for i, d := range spec.Disks {
		if i > 0 {
			diskArg += " "
		}
		diskArg += "path=" + d.Path
		if d.ReadOnly {
			diskArg += ",readonly=on"
		}
	}
	if spec.SeedISO != "" {
		if diskArg != "" {
			diskArg += " "
		}
		diskArg += "path=" + spec.SeedISO + ",readonly=on"
	}
	if diskArg != "" {
		args = append(args, "--disk", diskArg)
	}
	for _, n := range spec.Nets {
		args = append(args, "--net", fmt.Sprintf("tap=%s,mac=%s", n.TapName, n.MAC))
	}
	if spec.VM.UserData != "" {
		// cmdline/initramfs are optional per spec; omitted when a seed
		// ISO already carries cloud-init user-data.
	}

	cmd := exec.CommandContext(ctx, m.binary, args...)
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.Internal, err, "start cloud-hypervisor for vm %s", spec.VM.ID)
	}

	inst := &Instance{
		vmID:      spec.VM.ID,
		cmd:       cmd,
		apiSocket: apiSocket,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", apiSocket)
				},
			},
			Timeout: 5 * time.Second,
		},
	}

	if err := waitForSocket(ctx, apiSocket, 5*time.Second); err != nil {
		_ = cmd.Process.Kill()
		return apierr.Wrap(apierr.Unavailable, err, "vm %s api socket never came up", spec.VM.ID)
	}

	m.mu.Lock()
	m.instances[spec.VM.ID] = inst
	m.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		m.mu.Lock()
		delete(m.instances, spec.VM.ID)
		m.mu.Unlock()
	}()
	return nil
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s", path)
}

// Stop issues a graceful shutdown over the API socket, falling back
// to SIGKILL if the process hasn't exited within timeout.
func (m *Monitor) Stop(ctx context.Context, vmID string, timeout time.Duration) error {
	m.mu.Lock()
	inst, ok := m.instances[vmID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://unix/api/v1/vm.shutdown", bytes.NewReader(nil))
	if err == nil {
		resp, err := inst.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
		} else {
			log.Warn().Err(err).Str("vm_id", vmID).Msg("hypervisor: graceful shutdown request failed")
		}
	}

	done := make(chan struct{})
	go func() { inst.cmd.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		log.Warn().Str("vm_id", vmID).Msg("hypervisor: graceful shutdown timed out, killing")
		_ = inst.cmd.Process.Kill()
		<-done
		return nil
	}
}
