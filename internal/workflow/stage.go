package workflow

import "fmt"

// Stage is the current position in the provisioning pipeline.
type Stage int

const (
	Idle Stage = iota
	VaultStarting
	AwaitingCredentials
	ProvisioningSecret
	Building
	Moving
	GeneratingKeystore
	StartingServer
	Running
	Stopped
	Failed
)

var stageNames = [...]string{
	Idle:                "idle",
	VaultStarting:       "vault_starting",
	AwaitingCredentials: "awaiting_credentials",
	ProvisioningSecret:  "provisioning_secret",
	Building:            "building",
	Moving:              "moving",
	GeneratingKeystore:  "generating_keystore",
	StartingServer:      "starting_server",
	Running:             "running",
	Stopped:             "stopped",
	Failed:              "failed",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	for i, n := range stageNames {
		if n == string(b) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(b))
}

// Active reports whether the pipeline is between a start and a stop/failure.
func (s Stage) Active() bool {
	return s != Idle && s != Stopped && s != Failed
}

// stepInFlight reports stages whose work runs on a worker goroutine.
func (s Stage) stepInFlight() bool {
	switch s {
	case ProvisioningSecret, Building, Moving, GeneratingKeystore:
		return true
	}
	return false
}
