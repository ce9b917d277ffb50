package kube

import (
	"fmt"
	"log/slog"
	"os"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const apiGroupMetrics = "metrics.k8s.io"

// MetricsServerAvailable checks whether the metrics.k8s.io API group is
// registered with the cluster.
func MetricsServerAvailable(discoveryClient discovery.DiscoveryInterface) (bool, error) {
	groups, err := discoveryClient.ServerGroups()
	if err != nil {
		return false, fmt.Errorf("discovery: failed to list server groups: %w", err)
	}
	for _, g := range groups.Groups {
		if g.Name == apiGroupMetrics {
			return true, nil
		}
	}
	return false, nil
}

// RESTConfig returns in-cluster config when running in a pod, otherwise the
// kubeconfig from $KUBECONFIG or the default ~/.kube/config.
func RESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		slog.Info("using in-cluster kubernetes config")
		return cfg, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	slog.Info("using kubeconfig file", "path", kubeconfig)
	return cfg, nil
}
