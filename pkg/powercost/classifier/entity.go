package classifier

import (
	"strings"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// ExtractEntityKey derives the typed identity of a series from its name and labels.
// Container series need a pod name and node series need a node id.
func ExtractEntityKey(metricName string, labels map[string]string) (types.EntityKey, error) {
	nodeID := firstLabel(labels, common.LabelInstance, common.LabelNode, common.LabelHostname)
	pod := firstLabel(labels, common.LabelPodName, common.LabelPod)

	switch {
	case strings.HasPrefix(metricName, common.KeplerNodePrefix):
		if nodeID == "" {
			return types.EntityKey{}, &errors.MalformedSampleError{MetricName: metricName, Reason: "node series without node id"}
		}
		return types.EntityKey{EntityType: types.EntityNode, NodeID: nodeID}, nil

	case strings.HasPrefix(metricName, common.KeplerContainerPrefix) || pod != "":
		if pod == "" {
			return types.EntityKey{}, &errors.MalformedSampleError{MetricName: metricName, Reason: "container series without pod name"}
		}
		return types.EntityKey{
			EntityType:    types.EntityContainer,
			Namespace:     firstLabel(labels, common.LabelContainerNamespace, common.LabelNamespace),
			PodName:       pod,
			ContainerName: firstLabel(labels, common.LabelContainerName, common.LabelContainer),
			NodeID:        nodeID,
		}, nil
	}

	return types.EntityKey{}, &errors.MalformedSampleError{MetricName: metricName, Reason: "series is neither container nor node scoped"}
}

func firstLabel(labels map[string]string, names ...string) string {
	for _, name := range names {
		if v := labels[name]; v != "" {
			return v
		}
	}
	return ""
}

// k8s random suffixes are drawn from this alphabet
const suffixAlphabet = "bcdfghjklmnpqrstvwxz2456789"

// OwnerName strips the controller-generated suffixes from a pod name:
// "<deployment>-<template hash>-<suffix>", "<statefulset>-<ordinal>" and
// "<daemonset or job>-<suffix>".
func OwnerName(pod string) string {
	parts := strings.Split(pod, "-")
	n := len(parts)
	if n < 2 {
		return pod
	}

	last := parts[n-1]
	switch {
	case n >= 3 && isRandomSuffix(last) && isTemplateHash(parts[n-2]):
		return strings.Join(parts[:n-2], "-")
	case isOrdinal(last):
		return strings.Join(parts[:n-1], "-")
	case isRandomSuffix(last):
		return strings.Join(parts[:n-1], "-")
	}
	return pod
}

func isRandomSuffix(s string) bool {
	if len(s) != 5 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(suffixAlphabet, r) {
			return false
		}
	}
	return true
}

func isTemplateHash(s string) bool {
	if len(s) < 6 || len(s) > 10 {
		return false
	}
	hasDigit := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	return hasDigit
}

func isOrdinal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
