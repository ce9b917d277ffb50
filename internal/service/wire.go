// Package service binds the core components to the bus and provides the
// typed client that callers and node agents use to reach them.
package service

import (
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Service names used for health checks.
const (
	ServiceRegistry    = "registry"
	ServiceReservation = "reservation"
	ServiceWork        = "work"
	ServicePlanner     = "planner"
)

// Services lists every core service the coordinator hosts.
var Services = []string{ServiceRegistry, ServiceReservation, ServiceWork, ServicePlanner}

// IDRequest addresses one node, reservation or work item.
type IDRequest struct {
	ID string `json:"id"`
}

// ReleaseReply reports whether a release freed anything.
type ReleaseReply struct {
	Released bool `json:"released"`
}

// CanFitReply is the answer to a placement query.
type CanFitReply struct {
	Fits      bool             `json:"fits"`
	Candidate *model.Candidate `json:"candidate,omitempty"`
}

// ListWorkRequest filters work items by state. An empty state lists all.
type ListWorkRequest struct {
	State model.WorkState `json:"state,omitempty"`
}

// HeartbeatAck tells a node whether the coordinator knows it.
type HeartbeatAck struct {
	Known bool `json:"known"`
}

// HealthStatus is a service's health as reported over the bus.
type HealthStatus struct {
	Service string `json:"service"`
	Serving bool   `json:"serving"`
	Detail  string `json:"detail,omitempty"`
}
