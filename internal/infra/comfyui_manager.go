package infra

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"panelforge/internal/config"
)

// ComfyUI status
type ComfyUIStatus string

const (
	ComfyUIStatusStopped  ComfyUIStatus = "stopped"
	ComfyUIStatusStarting ComfyUIStatus = "starting"
	ComfyUIStatusRunning  ComfyUIStatus = "running"
	ComfyUIStatusError    ComfyUIStatus = "error"
)

// ComfyUIManager manages a local ComfyUI process. When no python path is
// configured the host treats ComfyUI as an external service and skips the
// manager entirely.
type ComfyUIManager struct {
	status      ComfyUIStatus
	process     *os.Process
	statusMutex sync.RWMutex
	config      config.ComfyUIManagerConfig
}

// NewComfyUIManager creates a new ComfyUI manager
func NewComfyUIManager(cfg config.ComfyUIManagerConfig) *ComfyUIManager {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8188
	}
	return &ComfyUIManager{
		status: ComfyUIStatusStopped,
		config: cfg,
	}
}

// Start launches the ComfyUI process.
func (m *ComfyUIManager) Start(ctx context.Context) error {
	m.statusMutex.Lock()
	defer m.statusMutex.Unlock()

	if m.status == ComfyUIStatusRunning {
		return nil
	}

	m.status = ComfyUIStatusStarting

	if _, err := os.Stat(m.config.PythonPath); os.IsNotExist(err) {
		m.status = ComfyUIStatusError
		return fmt.Errorf("python interpreter not found at: %s", m.config.PythonPath)
	}
	if _, err := os.Stat(m.config.RootDir); os.IsNotExist(err) {
		m.status = ComfyUIStatusError
		return fmt.Errorf("ComfyUI root directory not found at: %s", m.config.RootDir)
	}

	// Run main.py from the ComfyUI root so its model paths resolve.
	cmd := exec.Command(m.config.PythonPath, "main.py",
		"--listen", m.config.Host,
		"--port", fmt.Sprintf("%d", m.config.Port))
	cmd.Dir = m.config.RootDir

	log.Printf("Starting ComfyUI: %s %v (dir: %s)", m.config.PythonPath, cmd.Args, m.config.RootDir)

	if err := cmd.Start(); err != nil {
		m.status = ComfyUIStatusError
		return fmt.Errorf("failed to start ComfyUI: %w", err)
	}

	log.Printf("ComfyUI process started with PID: %d", cmd.Process.Pid)
	m.process = cmd.Process

	go m.waitForStartup(ctx)

	return nil
}

// Stop stops ComfyUI
func (m *ComfyUIManager) Stop(ctx context.Context) error {
	m.statusMutex.Lock()
	defer m.statusMutex.Unlock()

	if m.status == ComfyUIStatusStopped || m.process == nil {
		m.status = ComfyUIStatusStopped
		return nil
	}

	if err := m.process.Kill(); err != nil {
		m.status = ComfyUIStatusError
		return fmt.Errorf("failed to kill ComfyUI: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.process.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		m.status = ComfyUIStatusStopped
		return err
	case <-ctx.Done():
		m.status = ComfyUIStatusStopped
		return ctx.Err()
	case <-time.After(5 * time.Second):
		m.status = ComfyUIStatusStopped
		return fmt.Errorf("stop timeout")
	}
}

// waitForStartup waits for ComfyUI to be ready
func (m *ComfyUIManager) waitForStartup(ctx context.Context) {
	// Give the process a moment; actual HTTP readiness is checked per request.
	time.Sleep(3 * time.Second)

	m.statusMutex.Lock()
	if m.status == ComfyUIStatusStarting {
		m.status = ComfyUIStatusRunning
		log.Printf("ComfyUI marked as running (PID: %d)", m.process.Pid)
	}
	m.statusMutex.Unlock()
}

// GetStatus returns current status
func (m *ComfyUIManager) GetStatus() ComfyUIStatus {
	m.statusMutex.RLock()
	defer m.statusMutex.RUnlock()
	return m.status
}

// IsReady checks if ComfyUI is ready to accept requests
func (m *ComfyUIManager) IsReady() bool {
	return m.GetStatus() == ComfyUIStatusRunning
}

// GetURL returns the ComfyUI API URL
func (m *ComfyUIManager) GetURL() string {
	return fmt.Sprintf("http://%s:%d", m.config.Host, m.config.Port)
}

// Restart restarts ComfyUI
func (m *ComfyUIManager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx)
}
