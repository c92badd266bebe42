package workflow

import (
	"fmt"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/detector"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/history"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
)

var _ detector.Handler = (*Sequencer)(nil)

// OnProcessStart is called by the process watcher for any vault or proxy
// process, ours or not.
func (s *Sequencer) OnProcessStart(e detector.Entry) {
	name := s.logicalName(e.Name)
	if name == "" {
		return
	}
	s.scheduleStart(name, int(e.PID))
}

// OnProcessStop is called by the process watcher. It is deduplicated with
// the exit notification of processes we spawned.
func (s *Sequencer) OnProcessStop(e detector.Entry) {
	name := s.logicalName(e.Name)
	if name == "" {
		return
	}
	s.post(exitEvent{name: name, pid: int(e.PID)})
}

func (s *Sequencer) logicalName(exe string) string {
	switch {
	case detector.MatchName(exe, s.exe(VaultName)):
		return VaultName
	case detector.MatchName(exe, s.exe(ProxyName)):
		return ProxyName
	}
	return ""
}

// WatchNames are the executable names the process watcher should follow.
func (s *Sequencer) WatchNames() []string {
	return []string{s.exe(VaultName), s.exe(ProxyName)}
}

func title(name string) string {
	if name == VaultName {
		return "Vault"
	}
	return "Proxy"
}

func (s *Sequencer) onStart(name string, pid int) {
	if s.handled[pid] || s.killed[pid] {
		return
	}
	cur := s.pids[name]
	if cur == 0 || s.handled[cur] || s.killed[cur] {
		s.pids[name] = pid
		cur = pid
	}
	if cur == pid {
		s.setRunning(name, true)
	}
	if s.announced[pid] {
		return
	}
	s.announced[pid] = true
	s.appendMain(title(name) + " started.")
	s.record(history.Event{Type: history.EventProcessStart, Process: name, PID: pid})
}

func (s *Sequencer) onStop(name string, pid int, err error) {
	if pid != 0 {
		if s.handled[pid] {
			return
		}
		s.handled[pid] = true
	}
	if s.killed[pid] {
		delete(s.killed, pid)
		delete(s.spawned, pid)
		if s.pids[name] == pid {
			s.setRunning(name, false)
		}
		s.record(history.Event{Type: history.EventProcessStop, Process: name, PID: pid, Error: errString(err)})
		s.appendMain(title(name) + " stopped.")
		return
	}
	cur := s.pids[name]
	if pid != 0 && cur != 0 && pid != cur {
		// an instance we already replaced, or a foreign one
		if s.spawned[pid] == name {
			s.appendMain(title(name) + " stopped.")
		}
		delete(s.spawned, pid)
		return
	}
	delete(s.spawned, pid)

	was := s.running[name]
	s.setRunning(name, false)
	s.record(history.Event{Type: history.EventProcessStop, Process: name, PID: pid, Error: errString(err)})
	if !was || !s.stage.Active() {
		s.appendMain(title(name) + " stopped.")
		return
	}
	s.crash(name, err)
}

func (s *Sequencer) crash(name string, err error) {
	metrics.IncCrash(name)
	s.logger.Warn("process crashed", "name", name, "stage", s.stage, "error", err)
	s.record(history.Event{Type: history.EventCrash, Process: name, Error: errString(err)})

	if !s.limiter.Allow() {
		s.cancelStep()
		s.killBoth()
		s.oneShot, s.pendingProxy = false, false
		s.fail(&CrashError{Name: name, Err: err})
		return
	}
	switch name {
	case ProxyName:
		s.appendMain("Proxy crashed. Restarting...")
		s.kill(ProxyName)
		if s.stage.stepInFlight() {
			s.pendingProxy = true
			return
		}
		if err := s.startServer(); err != nil {
			s.logger.Error("proxy restart failed", "error", err)
		}
	case VaultName:
		s.cancelStep()
		s.killBoth()
		s.newSession()
		s.oneShot, s.pendingProxy = false, false
		s.appendMain("Vault crashed. Restarting...")
		if err := s.startVault(); err != nil {
			s.logger.Error("vault restart failed", "error", err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
