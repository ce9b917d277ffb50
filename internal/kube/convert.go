// Package kube discovers mesh nodes from a Kubernetes cluster. Nodes are
// converted to descriptors and kept in the registry by a node informer;
// metrics-server usage feeds the RAM trend used for OOM-risk detection.
package kube

import (
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Labels read from Kubernetes Node objects. The nvidia.com ones are
// published by GPU feature discovery.
const (
	LabelTier         = "mesh.kubeadapt.io/tier"
	LabelInterconnect = "mesh.kubeadapt.io/gpu-interconnect"
	// LabelAgent marks nodes that run the mesh node agent. The agent
	// announces those nodes itself with a richer descriptor.
	LabelAgent = "mesh.kubeadapt.io/agent"

	labelHostname   = "kubernetes.io/hostname"
	labelGPUProduct = "nvidia.com/gpu.product"
	labelGPUMemory  = "nvidia.com/gpu.memory"
	labelGPUCount   = "nvidia.com/gpu.count"
	labelGPUCompute = "nvidia.com/gpu.compute.major"
	labelGPUMinor   = "nvidia.com/gpu.compute.minor"

	resourceGPU = corev1.ResourceName("nvidia.com/gpu")
	mib         = 1024 * 1024
)

// NodeToDescriptor converts a Kubernetes Node into the descriptor the
// registry expects. GPU memory comes from the feature-discovery label; a
// node advertising GPUs without it is rejected since the ledger needs a
// per-device total.
func NodeToDescriptor(node *corev1.Node) (model.NodeDescriptor, error) {
	labels := node.Labels
	desc := model.NodeDescriptor{
		ID:       node.Name,
		Hostname: node.Name,
		CPU: model.CPUInfo{
			Cores: int(quantityValue(node.Status.Capacity, corev1.ResourceCPU)),
		},
		Memory: model.MemoryInfo{
			TotalMB:     quantityValue(node.Status.Capacity, corev1.ResourceMemory) / mib,
			AvailableMB: quantityValue(node.Status.Allocatable, corev1.ResourceMemory) / mib,
		},
		Labels: labels,
	}
	if h := labels[labelHostname]; h != "" {
		desc.Hostname = h
	}

	count := int(quantityValue(node.Status.Capacity, resourceGPU))
	if count == 0 {
		count, _ = strconv.Atoi(labels[labelGPUCount])
	}
	if count > 0 {
		memMB, err := strconv.ParseInt(labels[labelGPUMemory], 10, 64)
		if err != nil || memMB <= 0 {
			return model.NodeDescriptor{}, fmt.Errorf("node %s: %d gpus without a valid %s label", node.Name, count, labelGPUMemory)
		}
		interconnect := labels[LabelInterconnect]
		if interconnect == "" {
			interconnect = "pcie"
		}
		capability := ""
		if major := labels[labelGPUCompute]; major != "" {
			capability = major + "." + labels[labelGPUMinor]
		}
		desc.GPUs = make([]model.GPUDevice, count)
		for i := range desc.GPUs {
			desc.GPUs[i] = model.GPUDevice{
				Index:             i,
				ModelName:         labels[labelGPUProduct],
				TotalMB:           memMB,
				ComputeCapability: capability,
				Interconnect:      interconnect,
			}
		}
	}

	desc.Tier = model.InferTier(desc.GPUs)
	if v := labels[LabelTier]; v != "" {
		tier, err := model.ParseTier(v)
		if err != nil {
			return model.NodeDescriptor{}, fmt.Errorf("node %s: %w", node.Name, err)
		}
		desc.Tier = tier
	}
	return desc, desc.Validate()
}

// nodeReady returns true if the node has a Ready condition with status True.
func nodeReady(node *corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// agentManaged reports whether a node agent owns this node's registration.
func agentManaged(node *corev1.Node) bool {
	v, _ := strconv.ParseBool(node.Labels[LabelAgent])
	return v
}

// quantityValue extracts the int64 Value() from a resource in a ResourceList.
func quantityValue(rl corev1.ResourceList, name corev1.ResourceName) int64 {
	q, ok := rl[name]
	if !ok {
		return 0
	}
	return q.Value()
}
