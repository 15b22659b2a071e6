// Package model holds the records cloudslave persists: keypairs, reservations
// and the slaves that belong to them.
package model

import (
	"fmt"
	"time"
)

// ReservationState is the lifecycle state of a reservation. The numeric
// values are stable and are what the stores persist.
type ReservationState int

const (
	StateNew ReservationState = iota
	StateBooting
	StateReady
	StateShuttingDown
	StateTerminated
	StateFailedToStart
)

var stateNames = map[ReservationState]string{
	StateNew:           "NEW",
	StateBooting:       "BOOTING",
	StateReady:         "READY",
	StateShuttingDown:  "SHUTTING_DOWN",
	StateTerminated:    "TERMINATED",
	StateFailedToStart: "FAILED_TO_START",
}

func (s ReservationState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ReservationState(%d)", int(s))
}

// Description is the operator facing label of the state.
func (s ReservationState) Description() string {
	switch s {
	case StateNew:
		return "Newly created"
	case StateBooting:
		return "Booting"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "Shutting down"
	case StateTerminated:
		return "Terminated"
	case StateFailedToStart:
		return "Failed to start"
	}
	return s.String()
}

// Terminal reports whether no further transition happens without an explicit Terminate.
func (s ReservationState) Terminal() bool {
	return s == StateTerminated || s == StateFailedToStart
}

// ParseReservationState accepts the upper-case state name.
func ParseReservationState(name string) (ReservationState, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown reservation state %q", name)
}

// KeyPair is an SSH keypair registered with a cloud provider.
type KeyPair struct {
	Cloud      string    `json:"cloud" yaml:"cloud"`
	Name       string    `json:"name" yaml:"name"`
	PrivateKey string    `json:"private_key" yaml:"-"`
	PublicKey  string    `json:"public_key" yaml:"public_key"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

func (k KeyPair) String() string {
	return k.Name + "@" + k.Cloud
}

// Reservation is a request for a number of slaves on one cloud.
type Reservation struct {
	ID             string           `json:"id" yaml:"id"`
	Cloud          string           `json:"cloud" yaml:"cloud"`
	NumberOfSlaves int              `json:"number_of_slaves" yaml:"number_of_slaves"`
	State          ReservationState `json:"state" yaml:"-"`
	Timeout        time.Time        `json:"timeout" yaml:"timeout"`
	CreatedAt      time.Time        `json:"created_at" yaml:"created_at"`
}

func (r Reservation) String() string {
	return r.ID
}

// Expired reports whether the boot deadline has passed at now.
func (r Reservation) Expired(now time.Time) bool {
	return now.After(r.Timeout)
}

// Slave is one provisioned instance of a reservation. State holds the last
// status string reported by the provider and is empty until the first poll.
type Slave struct {
	Name          string    `json:"name" yaml:"name"`
	ReservationID string    `json:"reservation_id" yaml:"reservation_id"`
	CloudNodeID   string    `json:"cloud_node_id" yaml:"cloud_node_id"`
	State         string    `json:"state,omitempty" yaml:"state,omitempty"`
	FloatingIP    string    `json:"floating_ip,omitempty" yaml:"floating_ip,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

func (s Slave) String() string {
	return s.Name
}
