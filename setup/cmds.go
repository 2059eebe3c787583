package setup

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cmds supervises the server processes launched for a sweep.
// Over os/exec it offers:
// *) (best-effort) teardown of everything it started (via Kill())
// *) logging when a process is started or exits
// *) redirection of child output to per-process log files
// Anything that starts a long-lived server process should use Command and
// StartCmd instead of exec.Command and cmd.Start so teardown stays reliable.
type Cmds struct {
	// commands we are watching (may be unstarted or finished)
	watching []*exec.Cmd
	mu       sync.Mutex
	logDir   string

	wg     sync.WaitGroup
	killed bool
}

// NewCmds creates a supervisor writing child output under logDir.
// An empty logDir means a fresh temp dir.
func NewCmds(logDir string) *Cmds {
	if logDir == "" {
		d, err := os.MkdirTemp("", "loadsweep-")
		if err == nil {
			logDir = d
		}
	}
	return &Cmds{logDir: logDir}
}

// NewSignalHandlingCmds creates a Cmds that tears down its processes and
// exits when the harness receives SIGINT or SIGTERM.
func NewSignalHandlingCmds(logDir string) *Cmds {
	c := NewCmds(logDir)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("signal %s received; shutting down", sig)
		c.Kill()
		os.Exit(1)
	}()
	return c
}

// LogDir returns where child process output is written.
func (c *Cmds) LogDir() string { return c.logDir }

// Command creates a watched command whose stdout/stderr go to a log file
// named after the binary and pid order.
func (c *Cmds) Command(path string, arg ...string) *exec.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := exec.Command(path, arg...)
	name := fmt.Sprintf("%s.%d.log", filepath.Base(path), len(c.watching))
	if f, err := os.Create(filepath.Join(c.logDir, name)); err == nil {
		cmd.Stdout, cmd.Stderr = f, f
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}
	// Child in its own process group so Kill can signal it and any of its
	// children together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.wg.Add(1)
	c.watching = append(c.watching, cmd)
	return cmd
}

// StartCmd starts a command created by Command and expects it to run until
// torn down. Exit is logged but does not kill siblings: the sweep's health
// gate is what notices a dead server.
func (c *Cmds) StartCmd(cmd *exec.Cmd) error {
	log.Infof("starting %v", cmd.Args)
	err := cmd.Start()
	if err != nil {
		c.remove(cmd)
		return err
	}
	go func() {
		cmd.Wait()
		log.Infof("cmd %v finished", cmd.Path)
		c.remove(cmd)
	}()
	return nil
}

// Start is a convenience for Command followed by StartCmd.
func (c *Cmds) Start(path string, arg ...string) (*exec.Cmd, error) {
	cmd := c.Command(path, arg...)
	return cmd, c.StartCmd(cmd)
}

// Kill tears down all running commands: SIGINT to each process group, then
// SIGKILL five seconds later for any still running. Idempotent.
// NB: we can't guarantee this runs before the harness itself dies; a truly
// robust teardown would need a babysitter process.
func (c *Cmds) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	watching := append([]*exec.Cmd(nil), c.watching...)
	c.mu.Unlock()

	if len(watching) == 0 {
		return
	}
	log.Infof("killing %d cmds", len(watching))

	signalAll(watching, syscall.SIGINT)

	allDoneCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(allDoneCh)
	}()
	select {
	case <-allDoneCh:
		log.Info("all cmds completed")
		return
	case <-time.After(5 * time.Second):
		log.Info("cmds still running, escalating")
	}

	signalAll(watching, syscall.SIGKILL)
}

func signalAll(cmds []*exec.Cmd, sig syscall.Signal) {
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && err != syscall.ESRCH {
			log.Errorf("signal %v to pgid %d: %v", sig, cmd.Process.Pid, err)
		}
	}
}

// stop watching a cmd (because it's done)
func (c *Cmds) remove(cmd *exec.Cmd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wg.Done()
	for i, other := range c.watching {
		if other == cmd {
			c.watching = append(c.watching[0:i], c.watching[i+1:]...)
		}
	}
}
